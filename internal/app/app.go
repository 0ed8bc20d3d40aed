// Package app assembles the coordinator daemon: configuration, logging,
// the session index database, the orchestration services, the IPC server,
// and the plan watcher, with ordered startup and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/config"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/infrastructure/sqlite"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/api"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/coordinator"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/registry"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/runner"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/workflow"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/paths"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/sessions/domain"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/tracing"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/watcher"
)

// App is the wired daemon.
type App struct {
	cfg    config.Config
	layout paths.Layout

	db      *sqlite.DB
	bus     *events.Bus
	agents  *pool.Pool
	tasks   *task.Registry
	coord   *coordinator.Coordinator
	server  *api.Server
	watch   *watcher.PlanWatcher
	tracer  *tracing.Provider
	dispose []events.Disposer
}

// New builds the daemon from configuration. Nothing is listening yet; call
// Run.
func New(cfg config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	layout := paths.Layout{DataDir: cfg.DataDir}
	if err := os.MkdirAll(layout.SessionsDir(), 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sqlite.NewDB(layout.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}

	bus := events.NewBus()
	agents, err := pool.New(cfg.Pool.Size, bus)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	run, err := buildRunner(cfg.Runner)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	svc := workflow.Services{
		Pool:      agents,
		Tasks:     task.NewRegistry(),
		Occupancy: task.NewOccupancyTable(),
		Conflicts: task.NewConflictTable(),
		Signals:   signalbus.New(cfg.Signals.TTL, cfg.Signals.Capacity),
		Runner:    run,
		Events:    bus,
		Layout:    layout,
	}

	tracer, err := tracing.NewProvider(tracerConfig(cfg))
	if err != nil {
		// The daemon is useful without traces; degrade loudly and move on.
		log.ErrorErr(log.CatTrace, "tracing disabled", err)
		tracer = nil
	}

	coordCfg := coordinator.Config{
		Services:     svc,
		Registry:     registry.NewWithBuiltins(),
		Sessions:     db.SessionRepository(),
		Retry:        cfg.Retry.Policy(),
		EvalInterval: cfg.EvalInterval,
	}
	if tracer != nil {
		coordCfg.Tracer = tracer.Tracer()
	}
	coord, err := coordinator.New(coordCfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	server := api.NewServer(coord, bus)
	if tracer != nil {
		server.SetTracer(tracer.Tracer())
	}

	return &App{
		cfg:    cfg,
		layout: layout,
		db:     db,
		bus:    bus,
		agents: agents,
		tasks:  svc.Tasks,
		coord:  coord,
		server: server,
		tracer: tracer,
	}, nil
}

// Coordinator exposes the wired coordinator, mainly for tests.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Addr returns the IPC listen address once Run has bound it.
func (a *App) Addr() string { return a.server.Addr() }

// Run recovers persisted state, starts the coordinator and IPC server, and
// blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := config.WriteSnapshot(filepath.Join(a.layout.DataDir, "config.snapshot.yaml"), a.cfg); err != nil {
		log.Warn(log.CatConfig, "config snapshot not written", "err", err)
	}

	if err := a.coord.Recover(); err != nil {
		return fmt.Errorf("recover persisted workflows: %w", err)
	}
	if err := a.coord.Start(ctx); err != nil {
		return err
	}
	if err := a.startPlanWatcher(); err != nil {
		log.Warn(log.CatTask, "plan watcher unavailable", "err", err)
	}
	if err := a.server.Listen(a.cfg.Listen); err != nil {
		a.Close()
		return err
	}

	log.Info(log.CatCoord, "daemon running",
		"addr", a.server.Addr(), "data", a.cfg.DataDir, "pool", a.cfg.Pool.Size)
	<-ctx.Done()
	a.Close()
	return nil
}

// Close shuts the daemon down in reverse dependency order. Safe to call
// more than once.
func (a *App) Close() {
	for _, d := range a.dispose {
		d()
	}
	a.dispose = nil

	if a.watch != nil {
		_ = a.watch.Close()
		a.watch = nil
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	a.coord.Stop()
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tracer.Shutdown(ctx)
		cancel()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			log.Warn(log.CatDB, "session index close", "err", err)
		}
		a.db = nil
	}
}

// startPlanWatcher follows active sessions' plan files so external edits are
// re-parsed into the task registry.
func (a *App) startPlanWatcher() error {
	w, err := watcher.New(watcher.DefaultDebounce, a.planChanged)
	if err != nil {
		return err
	}
	a.watch = w

	// Pick up sessions that were already active before this boot.
	active, err := a.coord.Sessions(domain.ListFilter{ActiveOnly: true})
	if err == nil {
		for _, sess := range active {
			if sess.PlanPath() != "" {
				_ = w.Watch(sess.GUID(), sess.PlanPath())
			}
		}
	}

	a.dispose = append(a.dispose, a.bus.Subscribe(func(e events.Event) {
		if e.Type != events.SessionUpdated {
			return
		}
		payload, ok := e.Payload.(events.SessionPayload)
		if !ok {
			return
		}
		switch domain.SessionStatus(payload.Status) {
		case domain.SessionStatusStopped, domain.SessionStatusCompleted, domain.SessionStatusCancelled:
			w.Unwatch(e.SessionID)
		default:
			if payload.PlanPath != "" {
				_ = w.Watch(e.SessionID, payload.PlanPath)
			}
		}
	}))
	return nil
}

// planChanged reloads an externally edited plan. A plan that no longer
// parses is surfaced as an error event and the registry keeps the previous
// task set.
func (a *App) planChanged(sessionID, planPath string) {
	if _, err := a.tasks.LoadPlan(sessionID, planPath); err != nil {
		log.ErrorErr(log.CatTask, "edited plan rejected", err, "session", sessionID)
		a.bus.Emit(events.Event{
			Type:      events.Error,
			SessionID: sessionID,
			Payload:   events.ErrorPayload{Code: "plan_parse", Message: err.Error()},
		})
		return
	}
	log.Info(log.CatTask, "plan reloaded after external edit", "session", sessionID)
	a.coord.Poke()
}

func buildRunner(cfg config.RunnerConfig) (runner.Runner, error) {
	t := runner.Type(cfg.Type)
	if t == "" {
		t = runner.TypeCLI
	}
	r, err := runner.New(t)
	if err != nil {
		return nil, err
	}
	if cli, ok := r.(*runner.CLIRunner); ok {
		cli.Command = cfg.Command
		cli.Env = cfg.Env
	}
	return r, nil
}

func tracerConfig(cfg config.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.Exporter != "" {
		tc.Exporter = cfg.Tracing.Exporter
	}
	tc.FilePath = cfg.Tracing.FilePath
	if tc.FilePath == "" {
		tc.FilePath = config.DefaultTracesFilePath(cfg.DataDir)
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	}
	tc.SampleRate = cfg.Tracing.SampleRate
	return tc
}
