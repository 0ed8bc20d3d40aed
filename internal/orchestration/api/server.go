package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/coordinator"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/events"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/signalbus"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/workflow"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/sessions/domain"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/tracing"
)

// Core is the coordinator surface the IPC layer needs. *coordinator.Coordinator
// satisfies it; tests substitute a stub.
type Core interface {
	CreateSession(name, request string) (*domain.Session, error)
	Sessions(filter domain.ListFilter) ([]*domain.Session, error)
	State(guid string) (coordinator.SessionState, error)
	ApprovePlan(guid string) error
	RequestRevision(guid, feedback string) error
	RestartPlanning(guid string) error
	StartExecution(guid string) error
	PauseSession(guid string, force bool) error
	ResumeSession(guid string) error
	StopSession(guid string) error
	CancelSession(guid string) error
	RemoveSession(guid string) error
	RetryTask(guid, taskID string) (workflow.ID, error)
	PoolStatus() pool.Status
	ResizePool(size int) error
	Evaluate()
	DeliverCompletion(sig signalbus.Signal) error
	Degraded() (bool, string)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 20 * time.Second
	// sendBuffer bounds per-connection outbound frames. A client that cannot
	// keep up with the event stream is disconnected rather than blocking the
	// emitter.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon binds to loopback; same-host clients carry no Origin worth
	// checking.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server accepts WebSocket connections on /ws and serves the request surface.
type Server struct {
	core   Core
	events *events.Bus
	tracer trace.Tracer
	http   *http.Server
	addr   string

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a server for the core. The event bus may be nil; then no
// events stream.
func NewServer(core Core, bus *events.Bus) *Server {
	return &Server{
		core:   core,
		events: bus,
		tracer: noop.NewTracerProvider().Tracer("ipc"),
		conns:  make(map[*conn]struct{}),
	}
}

// SetTracer installs a span recorder for request handling. Call before
// Listen.
func (s *Server) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		s.tracer = tracer
	}
}

// Listen starts serving on addr until Shutdown. It returns once the listener
// is bound, so callers know the address is live.
func (s *Server) Listen(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipc listen on %s: %w", addr, err)
	}
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.addr = ln.Addr().String()

	log.SafeGo("api.serve", func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatAPI, "ipc server stopped", err)
		}
	})
	log.Info(log.CatAPI, "ipc listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown closes all connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// conn is one client connection. Writes are serialized through send; the
// writer goroutine owns the socket's write side.
type conn struct {
	ws      *websocket.Conn
	send    chan Frame
	closed  chan struct{}
	dispose events.Disposer
	once    sync.Once
}

func (c *conn) close() {
	c.once.Do(func() {
		if c.dispose != nil {
			c.dispose()
		}
		close(c.closed)
		_ = c.ws.Close()
	})
}

// enqueue queues a frame, dropping the connection when its buffer is full.
func (c *conn) enqueue(f Frame) {
	select {
	case c.send <- f:
	case <-c.closed:
	default:
		log.Warn(log.CatAPI, "slow ipc client dropped")
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{
		ws:     ws,
		send:   make(chan Frame, sendBuffer),
		closed: make(chan struct{}),
	}
	if s.events != nil {
		c.dispose = s.events.Subscribe(func(e events.Event) {
			ev := e
			c.enqueue(Frame{Kind: KindEvent, Event: &ev})
		})
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	log.Debug(log.CatAPI, "ipc client connected", "remote", ws.RemoteAddr().String())

	log.SafeGo("api.conn.write", func() { s.writePump(c) })
	s.readPump(c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
	log.Debug(log.CatAPI, "ipc client disconnected", "remote", ws.RemoteAddr().String())
}

func (s *Server) readPump(c *conn) {
	c.ws.SetReadLimit(1 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(errFrame("", CodeBadRequest, "malformed request: "+err.Error()))
			continue
		}
		// Requests run on the reader goroutine: the coordinator serializes
		// its own state, and per-connection request order is preserved.
		c.enqueue(s.handle(req))
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

// === Request dispatch ===

func (s *Server) handle(req Request) Frame {
	_, span := s.tracer.Start(context.Background(), tracing.SpanPrefixIPC+req.Method,
		trace.WithAttributes(
			attribute.String(tracing.AttrRequestMethod, req.Method),
			attribute.String(tracing.AttrRequestID, req.ID),
		))
	defer span.End()

	result, err := s.dispatch(req.Method, req.Params)
	if err != nil {
		span.RecordError(err)
		code := classify(err)
		var apiErr *Error
		if errors.As(err, &apiErr) {
			code = apiErr.Code
		}
		span.SetStatus(codes.Error, "request failed")
		span.SetAttributes(attribute.String(tracing.AttrErrorType, code))
		if apiErr != nil {
			return errFrame(req.ID, apiErr.Code, apiErr.Message)
		}
		return errFrame(req.ID, code, err.Error())
	}
	f := Frame{Kind: KindResponse, ID: req.ID, OK: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return errFrame(req.ID, CodeInternal, "encode result: "+err.Error())
		}
		f.Result = data
	}
	return f
}

func (s *Server) dispatch(method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodStatus:
		return s.status()
	case MethodSessionList:
		return s.sessionList()
	case MethodSessionGet, MethodExecStatus:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return s.core.State(p.Session)
	case MethodSessionPause, MethodExecPause:
		var p PauseParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.PauseSession(p.Session, p.Force)
	case MethodSessionResume, MethodExecResume:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.ResumeSession(p.Session)
	case MethodSessionStop, MethodExecStop:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.StopSession(p.Session)
	case MethodSessionRemove:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.RemoveSession(p.Session)
	case MethodPlanCreate:
		var p PlanCreateParams
		if err := decode(params, &p, "request"); err != nil {
			return nil, err
		}
		sess, err := s.core.CreateSession(p.Name, p.Request)
		if err != nil {
			return nil, err
		}
		return CreateResult{Session: sess.GUID()}, nil
	case MethodPlanApprove:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.ApprovePlan(p.Session)
	case MethodPlanRevise:
		var p PlanReviseParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.RequestRevision(p.Session, p.Feedback)
	case MethodPlanCancel:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.CancelSession(p.Session)
	case MethodPlanRestart:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.RestartPlanning(p.Session)
	case MethodPoolStatus:
		return s.core.PoolStatus(), nil
	case MethodPoolResize:
		var p PoolResizeParams
		if err := decode(params, &p, ""); err != nil {
			return nil, err
		}
		return nil, s.core.ResizePool(p.Size)
	case MethodExecStart:
		var p SessionParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		return nil, s.core.StartExecution(p.Session)
	case MethodWorkflowRetry:
		var p WorkflowRetryParams
		if err := decode(params, &p, "session"); err != nil {
			return nil, err
		}
		if p.Task == "" {
			return nil, &Error{Code: CodeBadRequest, Message: "task is required"}
		}
		id, err := s.core.RetryTask(p.Session, p.Task)
		if err != nil {
			return nil, err
		}
		return RetryResult{Workflow: id.String()}, nil
	case MethodEvaluate:
		s.core.Evaluate()
		return nil, nil
	case MethodAgentComplete:
		var sig signalbus.Signal
		if err := decode(params, &sig, ""); err != nil {
			return nil, err
		}
		if sig.SessionID == "" || sig.WorkflowID == "" || sig.Stage == "" || sig.Result == "" {
			return nil, &Error{Code: CodeBadRequest, Message: "session_id, workflow_id, stage, and result are required"}
		}
		return nil, s.core.DeliverCompletion(sig)
	default:
		return nil, &Error{Code: CodeUnknownMethod, Message: "unknown method " + method}
	}
}

func (s *Server) status() (StatusResult, error) {
	degraded, reason := s.core.Degraded()
	ps := s.core.PoolStatus()
	active, err := s.core.Sessions(domain.ListFilter{ActiveOnly: true})
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		Degraded:       degraded,
		DegradedReason: reason,
		Pool: map[string]int{
			"total":     ps.Total,
			"available": ps.Available,
			"busy":      ps.Busy,
			"benched":   ps.Benched,
		},
		ActiveSessions: len(active),
	}, nil
}

func (s *Server) sessionList() (SessionListResult, error) {
	sessions, err := s.core.Sessions(domain.ListFilter{})
	if err != nil {
		return SessionListResult{}, err
	}
	out := SessionListResult{Sessions: make([]SessionSummary, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, SessionSummary{
			GUID:      sess.GUID(),
			Name:      sess.Name(),
			Status:    sess.Status().String(),
			PlanPath:  sess.PlanPath(),
			CreatedAt: sess.CreatedAt().Format(time.RFC3339),
		})
	}
	return out, nil
}

// decode parses params and checks that the named string field is present.
func decode(params json.RawMessage, dst any, required string) error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &Error{Code: CodeBadRequest, Message: "bad params: " + err.Error()}
	}
	if required != "" {
		var m map[string]any
		_ = json.Unmarshal(params, &m)
		if s, _ := m[required].(string); s == "" {
			return &Error{Code: CodeBadRequest, Message: required + " is required"}
		}
	}
	return nil
}

// classify maps domain errors to protocol codes.
func classify(err error) string {
	var notFound *domain.SessionNotFoundError
	var invalid *domain.InvalidTransitionError
	switch {
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &invalid):
		return CodeConflict
	case errors.Is(err, coordinator.ErrDegraded):
		return CodeDegraded
	case errors.Is(err, task.ErrOccupancyConflict):
		return CodeConflict
	case errors.Is(err, task.ErrTaskNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

func errFrame(id, code, msg string) Frame {
	return Frame{Kind: KindResponse, ID: id, Error: &Error{Code: code, Message: msg}}
}
