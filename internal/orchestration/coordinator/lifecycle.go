package coordinator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/log"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/pool"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/task"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/orchestration/workflow"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/paths"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/sessions/domain"
	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/tracing"
)

// NewSessionGUID generates a short session identifier. It doubles as the
// session folder name and the task id prefix, so it stays filesystem- and
// plan-line-safe.
func NewSessionGUID() string {
	return "s-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateSession opens a new session and dispatches its planning workflow.
// The session starts debating; the planner's output moves it to reviewing.
func (c *Coordinator) CreateSession(name, request string) (*domain.Session, error) {
	if strings.TrimSpace(request) == "" {
		return nil, fmt.Errorf("session request must not be empty")
	}
	if down, reason := c.Degraded(); down {
		return nil, fmt.Errorf("%w: %s", ErrDegraded, reason)
	}

	guid := NewSessionGUID()
	_, span := c.tracer.Start(context.Background(), tracing.SpanPrefixSession+"create",
		trace.WithAttributes(attribute.String(tracing.AttrSessionID, guid)))
	defer span.End()

	if err := c.svc.Layout.EnsureSessionDirs(guid); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "directories unwritable")
		// An unwritable data dir poisons every later persist; stop admitting
		// work instead of failing it piecemeal.
		c.MarkDegraded(fmt.Sprintf("session directories unwritable: %v", err))
		return nil, fmt.Errorf("create session directories: %w", err)
	}

	sess := domain.NewSession(guid, name, request)
	sess.SetSessionDir(c.svc.Layout.SessionDir(guid))
	sess.SetPlanPath(c.svc.Layout.PlanPath(guid))
	if err := c.sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	if _, err := c.Dispatch(guid, workflow.TypePlanningNew, workflow.Input{"request": request}); err != nil {
		return nil, fmt.Errorf("dispatch planning workflow: %w", err)
	}

	c.emitSession(sess)
	log.Info(log.CatCoord, "session created", "session", guid, "name", name)
	return sess, nil
}

// Session returns the session for guid.
func (c *Coordinator) Session(guid string) (*domain.Session, error) {
	return c.sessions.FindByGUID(guid)
}

// Sessions lists sessions matching the filter.
func (c *Coordinator) Sessions(filter domain.ListFilter) ([]*domain.Session, error) {
	return c.sessions.ListWithFilter(filter)
}

// ApprovePlan accepts the session's current plan. The session must be in
// reviewing.
func (c *Coordinator) ApprovePlan(guid string) error {
	return c.requireTransition(guid, domain.SessionStatusApproved)
}

// RequestRevision sends the plan back to planning with the given feedback.
// Allowed from reviewing or approved; an executing session must be stopped
// or left to finish first, because its dispatched work targets the current
// plan.
func (c *Coordinator) RequestRevision(guid, feedback string) error {
	if strings.TrimSpace(feedback) == "" {
		return fmt.Errorf("revision feedback must not be empty")
	}
	if err := c.requireTransition(guid, domain.SessionStatusRevising); err != nil {
		return err
	}
	_, err := c.Dispatch(guid, workflow.TypePlanningRevision, workflow.Input{"request": feedback})
	return err
}

// StartExecution moves an approved session to executing, loads the plan into
// the task registry, and lets reconciliation dispatch ready tasks.
func (c *Coordinator) StartExecution(guid string) error {
	sess, err := c.sessions.FindByGUID(guid)
	if err != nil {
		return err
	}
	if sess.Status() != domain.SessionStatusApproved {
		return fmt.Errorf("session %s is %s, not approved", guid, sess.Status())
	}

	tasks, err := c.svc.Tasks.LoadPlan(guid, sess.PlanPath())
	if err != nil {
		return fmt.Errorf("load plan: %w", err)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("plan at %s contains no tasks", sess.PlanPath())
	}

	if err := sess.TransitionTo(domain.SessionStatusExecuting); err != nil {
		return err
	}
	if err := c.sessions.Save(sess); err != nil {
		return err
	}
	c.emitSession(sess)
	log.Info(log.CatCoord, "execution started", "session", guid, "tasks", len(tasks))
	c.Poke()
	return nil
}

// PauseSession suspends an executing session. Cooperative pauses take effect
// at each workflow's next phase boundary; force kills in-flight agents and
// captures continuations.
func (c *Coordinator) PauseSession(guid string, force bool) error {
	if err := c.requireTransition(guid, domain.SessionStatusPaused); err != nil {
		return err
	}
	for _, rt := range c.sessionRuntimes(guid) {
		rt.Pause(force)
	}
	log.Info(log.CatCoord, "session paused", "session", guid, "force", force)
	return nil
}

// ResumeSession wakes a paused session's workflows and resumes dispatch.
func (c *Coordinator) ResumeSession(guid string) error {
	if err := c.requireTransition(guid, domain.SessionStatusExecuting); err != nil {
		return err
	}
	for _, rt := range c.sessionRuntimes(guid) {
		rt.Resume()
	}
	log.Info(log.CatCoord, "session resumed", "session", guid)
	c.Poke()
	return nil
}

// StopSession terminates an executing or paused session. Live workflows are
// cancelled; completed task work is kept.
func (c *Coordinator) StopSession(guid string) error {
	if err := c.requireTransition(guid, domain.SessionStatusStopped); err != nil {
		return err
	}
	c.abandonSessionWork(guid, "session stopped")
	log.Info(log.CatCoord, "session stopped", "session", guid)
	return nil
}

// CancelSession abandons a session that has not started executing.
func (c *Coordinator) CancelSession(guid string) error {
	if err := c.requireTransition(guid, domain.SessionStatusCancelled); err != nil {
		return err
	}
	c.abandonSessionWork(guid, "session cancelled")
	c.svc.Tasks.RemoveSession(guid)
	log.Info(log.CatCoord, "session cancelled", "session", guid)
	return nil
}

// RestartPlanning abandons the session's current plan and dispatches a
// fresh planning workflow. Allowed while the plan is under review or already
// approved; executing sessions must be stopped first.
func (c *Coordinator) RestartPlanning(guid string) error {
	sess, err := c.sessions.FindByGUID(guid)
	if err != nil {
		return err
	}
	switch sess.Status() {
	case domain.SessionStatusReviewing, domain.SessionStatusApproved:
	default:
		return fmt.Errorf("session %s is %s; planning can only restart from reviewing or approved", guid, sess.Status())
	}

	if err := backupPlan(c.svc.Layout, guid, sess.PlanPath()); err != nil {
		log.Warn(log.CatCoord, "plan backup before restart failed", "session", guid, "err", err)
	}
	c.svc.Tasks.RemoveSession(guid)

	// Reviewing -> revising -> reviewing is the DAG's revision loop; restart
	// rides the same edge with a fresh planning run instead of a revision.
	if err := c.requireTransition(guid, domain.SessionStatusRevising); err != nil {
		return err
	}
	if _, err := c.Dispatch(guid, workflow.TypePlanningNew, workflow.Input{"request": sess.Request()}); err != nil {
		return err
	}
	log.Info(log.CatCoord, "planning restarted", "session", guid)
	return nil
}

// RetryTask dispatches a fresh task_implementation workflow for a failed
// task. The task returns to pending so readiness is recomputed.
func (c *Coordinator) RetryTask(guid, taskID string) (workflow.ID, error) {
	t, err := c.svc.Tasks.Get(taskID)
	if err != nil {
		return "", err
	}
	if t.SessionID != guid {
		return "", fmt.Errorf("task %s belongs to session %s, not %s", taskID, t.SessionID, guid)
	}
	if t.Status != task.StatusFailed {
		return "", fmt.Errorf("task %s is %s; only failed tasks can be retried", taskID, t.Status)
	}
	if c.hasTaskWorkflow(guid, taskID) {
		return "", fmt.Errorf("task %s already has a workflow in flight", taskID)
	}
	if err := c.svc.Tasks.SetStatus(taskID, task.StatusPending, "retry requested"); err != nil {
		return "", err
	}
	id, err := c.Dispatch(guid, workflow.TypeTaskImpl, workflow.Input{"task_id": taskID})
	if err != nil {
		return "", err
	}
	log.Info(log.CatCoord, "task retry dispatched", "session", guid, "task", taskID, "workflow", id)
	return id, nil
}

// RemoveSession deletes a terminal session's record and registry entries.
// Files under the session folder are kept for post-mortems.
func (c *Coordinator) RemoveSession(guid string) error {
	sess, err := c.sessions.FindByGUID(guid)
	if err != nil {
		return err
	}
	if !sess.Status().IsTerminal() {
		return fmt.Errorf("session %s is %s; stop or cancel it before removing", guid, sess.Status())
	}
	c.svc.Tasks.RemoveSession(guid)
	if err := c.sessions.Delete(guid); err != nil {
		return err
	}
	log.Info(log.CatCoord, "session removed", "session", guid)
	return nil
}

// ArchiveSession hides a terminal session from default listings.
func (c *Coordinator) ArchiveSession(guid string) error {
	sess, err := c.sessions.FindByGUID(guid)
	if err != nil {
		return err
	}
	if !sess.Status().IsTerminal() {
		return fmt.Errorf("session %s is %s; only terminal sessions can be archived", guid, sess.Status())
	}
	sess.Archive()
	return c.sessions.Save(sess)
}

// SessionState is the full observable state of one session.
type SessionState struct {
	GUID      string              `json:"guid"`
	Name      string              `json:"name,omitempty"`
	Status    string              `json:"status"`
	PlanPath  string              `json:"plan_path,omitempty"`
	Tasks     []task.Task         `json:"tasks,omitempty"`
	Workflows []workflow.Snapshot `json:"workflows,omitempty"`
	Pending   int                 `json:"pending_workflows"`
	Pool      pool.Status         `json:"pool"`
}

// State returns a consistent snapshot of the session, its tasks, and its
// workflows.
func (c *Coordinator) State(guid string) (SessionState, error) {
	sess, err := c.sessions.FindByGUID(guid)
	if err != nil {
		return SessionState{}, err
	}

	st := SessionState{
		GUID:     sess.GUID(),
		Name:     sess.Name(),
		Status:   sess.Status().String(),
		PlanPath: sess.PlanPath(),
		Tasks:    c.svc.Tasks.List(guid),
		Pool:     c.svc.Pool.Status(),
	}
	for _, rt := range c.sessionRuntimes(guid) {
		st.Workflows = append(st.Workflows, rt.Snapshot())
	}
	c.mu.Lock()
	for _, item := range c.pending {
		if item.sessionID == guid {
			st.Pending++
		}
	}
	c.mu.Unlock()
	return st, nil
}

// requireTransition loads, transitions, and saves the session, returning the
// entity's transition error untouched so callers can report it.
func (c *Coordinator) requireTransition(guid string, target domain.SessionStatus) error {
	sess, err := c.sessions.FindByGUID(guid)
	if err != nil {
		return err
	}
	if err := sess.TransitionTo(target); err != nil {
		return err
	}
	if err := c.sessions.Save(sess); err != nil {
		return err
	}
	c.emitSession(sess)
	return nil
}

// backupPlan copies the session's plan into its backups directory before a
// destructive plan operation. A missing plan file is fine.
func backupPlan(layout paths.Layout, guid, planPath string) error {
	data, err := os.ReadFile(planPath) //nolint:gosec // G304: path comes from the session layout
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plan for backup: %w", err)
	}
	backup := layout.PlanBackupPath(guid, time.Now())
	if err := os.WriteFile(backup, data, 0644); err != nil { //nolint:gosec // G306: plan files are not secrets
		return fmt.Errorf("write plan backup: %w", err)
	}
	return nil
}

// sessionRuntimes returns the live runtimes belonging to the session.
func (c *Coordinator) sessionRuntimes(guid string) []*workflow.Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*workflow.Runtime
	for _, m := range c.workflows {
		if m.rt.SessionID() == guid {
			out = append(out, m.rt)
		}
	}
	return out
}

// abandonSessionWork drops the session's pending dispatches and cancels its
// live workflows.
func (c *Coordinator) abandonSessionWork(guid, reason string) {
	c.mu.Lock()
	kept := c.pending[:0]
	for _, item := range c.pending {
		if item.sessionID != guid {
			kept = append(kept, item)
		}
	}
	c.pending = kept
	c.mu.Unlock()

	for _, rt := range c.sessionRuntimes(guid) {
		rt.Cancel(reason)
	}
}
