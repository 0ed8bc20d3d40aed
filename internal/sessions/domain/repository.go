package domain

import "fmt"

// ListFilter provides filtering options for listing sessions.
type ListFilter struct {
	// Status filters sessions by lifecycle status. If empty, all statuses
	// are included.
	Status SessionStatus

	// ActiveOnly restricts results to sessions in a non-terminal status.
	ActiveOnly bool

	// Limit restricts the number of sessions returned. If 0, no limit.
	Limit int

	// IncludeArchived includes archived sessions in results. By default,
	// archived sessions are excluded.
	IncludeArchived bool
}

// SessionRepository defines the persistence interface for Session entities.
// Implementations may use SQLite, in-memory storage, or other backends.
type SessionRepository interface {
	// Save persists a session. For new sessions (ID == 0) this creates a
	// record and sets the ID; for existing sessions it updates the record.
	Save(session *Session) error

	// FindByGUID retrieves a session by its public identifier.
	// Returns SessionNotFoundError if no matching session exists.
	FindByGUID(guid string) (*Session, error)

	// ListWithFilter retrieves sessions matching the filter, ordered by
	// created_at descending (newest first).
	ListWithFilter(filter ListFilter) ([]*Session, error)

	// Delete permanently removes a session record.
	// Returns SessionNotFoundError if no matching session exists.
	Delete(guid string) error

	// Close releases any resources held by the repository.
	Close() error
}

// SessionNotFoundError indicates a lookup for a session that does not exist.
type SessionNotFoundError struct {
	GUID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.GUID)
}

// InvalidTransitionError indicates a status change the lifecycle DAG forbids.
type InvalidTransitionError struct {
	From SessionStatus
	To   SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition: %s -> %s", e.From, e.To)
}
