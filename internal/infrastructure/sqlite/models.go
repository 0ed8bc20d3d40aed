package sqlite

import (
	"time"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/sessions/domain"
)

// SessionModel represents the database row for the sessions table.
// Fields map directly to SQL columns with Unix timestamps for time values.
type SessionModel struct {
	ID         int64
	GUID       string
	Name       *string // nullable
	Request    *string // nullable
	Status     string
	PlanPath   *string // nullable
	SessionDir *string // nullable

	CreatedAt   int64  // Unix timestamp
	StartedAt   *int64 // Unix timestamp, nullable
	PausedAt    *int64 // Unix timestamp, nullable
	CompletedAt *int64 // Unix timestamp, nullable
	UpdatedAt   int64  // Unix timestamp
	ArchivedAt  *int64 // Unix timestamp, nullable
}

// toSessionModel converts a domain Session entity to a database SessionModel.
func toSessionModel(s *domain.Session) *SessionModel {
	m := &SessionModel{
		ID:        s.ID(),
		GUID:      s.GUID(),
		Status:    string(s.Status()),
		CreatedAt: s.CreatedAt().Unix(),
		UpdatedAt: s.UpdatedAt().Unix(),
	}
	if s.Name() != "" {
		name := s.Name()
		m.Name = &name
	}
	if s.Request() != "" {
		request := s.Request()
		m.Request = &request
	}
	if s.PlanPath() != "" {
		planPath := s.PlanPath()
		m.PlanPath = &planPath
	}
	if s.SessionDir() != "" {
		sessionDir := s.SessionDir()
		m.SessionDir = &sessionDir
	}
	if s.StartedAt() != nil {
		startedAt := s.StartedAt().Unix()
		m.StartedAt = &startedAt
	}
	if s.PausedAt() != nil {
		pausedAt := s.PausedAt().Unix()
		m.PausedAt = &pausedAt
	}
	if s.CompletedAt() != nil {
		completedAt := s.CompletedAt().Unix()
		m.CompletedAt = &completedAt
	}
	if s.ArchivedAt() != nil {
		archivedAt := s.ArchivedAt().Unix()
		m.ArchivedAt = &archivedAt
	}
	return m
}

// toDomain converts a database SessionModel to a domain Session entity.
func (m *SessionModel) toDomain() *domain.Session {
	var name, request, planPath, sessionDir string
	if m.Name != nil {
		name = *m.Name
	}
	if m.Request != nil {
		request = *m.Request
	}
	if m.PlanPath != nil {
		planPath = *m.PlanPath
	}
	if m.SessionDir != nil {
		sessionDir = *m.SessionDir
	}
	var startedAt, pausedAt, completedAt, archivedAt *time.Time
	if m.StartedAt != nil {
		t := time.Unix(*m.StartedAt, 0)
		startedAt = &t
	}
	if m.PausedAt != nil {
		t := time.Unix(*m.PausedAt, 0)
		pausedAt = &t
	}
	if m.CompletedAt != nil {
		t := time.Unix(*m.CompletedAt, 0)
		completedAt = &t
	}
	if m.ArchivedAt != nil {
		t := time.Unix(*m.ArchivedAt, 0)
		archivedAt = &t
	}
	return domain.ReconstituteSession(
		m.ID,
		m.GUID,
		name,
		request,
		domain.SessionStatus(m.Status),
		planPath,
		sessionDir,
		time.Unix(m.CreatedAt, 0),
		startedAt,
		pausedAt,
		completedAt,
		time.Unix(m.UpdatedAt, 0),
		archivedAt,
	)
}
