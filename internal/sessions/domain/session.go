// Package domain provides the pure domain layer for sessions with no
// infrastructure dependencies: the Session entity, its status machine, and
// the repository interface the persistence layer implements.
package domain

import "time"

// SessionStatus is the lifecycle state of a planning session.
type SessionStatus string

const (
	// SessionStatusDebating indicates the initial planning workflow is active.
	SessionStatusDebating SessionStatus = "debating"

	// SessionStatusReviewing indicates a plan exists and awaits approval.
	SessionStatusReviewing SessionStatus = "reviewing"

	// SessionStatusRevising indicates a plan revision workflow is active.
	SessionStatusRevising SessionStatus = "revising"

	// SessionStatusApproved indicates the plan is approved but execution has
	// not started.
	SessionStatusApproved SessionStatus = "approved"

	// SessionStatusExecuting indicates task workflows are being dispatched.
	SessionStatusExecuting SessionStatus = "executing"

	// SessionStatusPaused indicates execution is suspended.
	SessionStatusPaused SessionStatus = "paused"

	// SessionStatusStopped indicates execution was interrupted. Terminal.
	SessionStatusStopped SessionStatus = "stopped"

	// SessionStatusCompleted indicates every task finished. Terminal.
	SessionStatusCompleted SessionStatus = "completed"

	// SessionStatusCancelled indicates the session was abandoned during
	// planning. Terminal.
	SessionStatusCancelled SessionStatus = "cancelled"
)

// String returns the string representation of the status.
func (s SessionStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is recognized.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusDebating, SessionStatusReviewing, SessionStatusRevising,
		SessionStatusApproved, SessionStatusExecuting, SessionStatusPaused,
		SessionStatusStopped, SessionStatusCompleted, SessionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true when no further transitions are allowed.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusStopped || s == SessionStatusCompleted || s == SessionStatusCancelled
}

// validStatusTransitions defines the session lifecycle DAG. Interruptions
// during planning end in cancelled; interruptions during execution end in
// stopped; only a fully executed plan ends in completed.
var validStatusTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusDebating:  {SessionStatusReviewing, SessionStatusCancelled},
	SessionStatusReviewing: {SessionStatusRevising, SessionStatusApproved, SessionStatusCancelled},
	SessionStatusRevising:  {SessionStatusReviewing, SessionStatusCancelled},
	SessionStatusApproved:  {SessionStatusExecuting, SessionStatusRevising, SessionStatusCancelled},
	SessionStatusExecuting: {SessionStatusPaused, SessionStatusCompleted, SessionStatusStopped},
	SessionStatusPaused:    {SessionStatusExecuting, SessionStatusStopped},
	SessionStatusStopped:   {},
	SessionStatusCompleted: {},
	SessionStatusCancelled: {},
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, allowed := range validStatusTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Session represents one planning-and-execution lifecycle. All fields are
// unexported to enforce encapsulation; use the constructor and accessors.
type Session struct {
	id      int64
	guid    string
	name    string
	request string
	status  SessionStatus

	planPath   string
	sessionDir string

	createdAt   time.Time
	startedAt   *time.Time
	pausedAt    *time.Time
	completedAt *time.Time
	updatedAt   time.Time
	archivedAt  *time.Time
}

// NewSession creates a session in the debating state. The ID is left zero;
// the persistence layer assigns it on insert.
func NewSession(guid, name, request string) *Session {
	now := time.Now()
	return &Session{
		guid:      guid,
		name:      name,
		request:   request,
		status:    SessionStatusDebating,
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstituteSession creates a Session from persisted data.
func ReconstituteSession(
	id int64,
	guid, name, request string,
	status SessionStatus,
	planPath, sessionDir string,
	createdAt time.Time,
	startedAt, pausedAt, completedAt *time.Time,
	updatedAt time.Time,
	archivedAt *time.Time,
) *Session {
	return &Session{
		id:          id,
		guid:        guid,
		name:        name,
		request:     request,
		status:      status,
		planPath:    planPath,
		sessionDir:  sessionDir,
		createdAt:   createdAt,
		startedAt:   startedAt,
		pausedAt:    pausedAt,
		completedAt: completedAt,
		updatedAt:   updatedAt,
		archivedAt:  archivedAt,
	}
}

// ID returns the database identifier, 0 before first persist.
func (s *Session) ID() int64 { return s.id }

// GUID returns the session's public identifier, used as the task id prefix
// and the session folder name.
func (s *Session) GUID() string { return s.guid }

// Name returns the human-readable session name.
func (s *Session) Name() string { return s.name }

// Request returns the requirement text the session was created from.
func (s *Session) Request() string { return s.request }

// Status returns the current lifecycle status.
func (s *Session) Status() SessionStatus { return s.status }

// PlanPath returns the session's active plan file, if one exists yet.
func (s *Session) PlanPath() string { return s.planPath }

// SessionDir returns the session's on-disk folder.
func (s *Session) SessionDir() string { return s.sessionDir }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// StartedAt returns when execution started, or nil.
func (s *Session) StartedAt() *time.Time { return s.startedAt }

// PausedAt returns when the session was last paused, or nil.
func (s *Session) PausedAt() *time.Time { return s.pausedAt }

// CompletedAt returns when the session reached a terminal status, or nil.
func (s *Session) CompletedAt() *time.Time { return s.completedAt }

// UpdatedAt returns the last modification time.
func (s *Session) UpdatedAt() time.Time { return s.updatedAt }

// ArchivedAt returns when the session was archived, or nil.
func (s *Session) ArchivedAt() *time.Time { return s.archivedAt }

// IsArchived returns true if the session has been archived.
func (s *Session) IsArchived() bool { return s.archivedAt != nil }

// SetName sets the human-readable name.
func (s *Session) SetName(name string) {
	s.name = name
	s.updatedAt = time.Now()
}

// SetPlanPath records where the active plan lives.
func (s *Session) SetPlanPath(path string) {
	s.planPath = path
	s.updatedAt = time.Now()
}

// SetSessionDir records the session's folder.
func (s *Session) SetSessionDir(dir string) {
	s.sessionDir = dir
	s.updatedAt = time.Now()
}

// SetID sets the database identifier, called by the persistence layer after
// insert.
func (s *Session) SetID(id int64) { s.id = id }

// TransitionTo moves the session to the target status, enforcing the
// lifecycle DAG and maintaining the lifecycle timestamps.
func (s *Session) TransitionTo(target SessionStatus) error {
	if s.status == target {
		return nil
	}
	if !s.status.CanTransitionTo(target) {
		return &InvalidTransitionError{From: s.status, To: target}
	}
	now := time.Now()
	switch target {
	case SessionStatusExecuting:
		if s.startedAt == nil {
			s.startedAt = &now
		}
	case SessionStatusPaused:
		s.pausedAt = &now
	case SessionStatusStopped, SessionStatusCompleted, SessionStatusCancelled:
		s.completedAt = &now
	}
	s.status = target
	s.updatedAt = now
	return nil
}

// Archive marks the session as archived.
func (s *Session) Archive() {
	now := time.Now()
	s.archivedAt = &now
	s.updatedAt = now
}
