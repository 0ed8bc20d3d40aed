package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/yugao-gaos/GAOS-Agentic-Planning-Coordinator-sub003/internal/sessions/domain"
)

// sessionColumns is the list of columns to select for session queries.
const sessionColumns = `id, guid, name, request, status, plan_path, session_dir,
	created_at, started_at, paused_at, completed_at, updated_at, archived_at`

// sessionRepository implements domain.SessionRepository using SQLite.
type sessionRepository struct {
	db *sql.DB
}

// newSessionRepository creates a new sessionRepository instance.
func newSessionRepository(db *sql.DB) *sessionRepository {
	return &sessionRepository{db: db}
}

// Ensure sessionRepository implements domain.SessionRepository.
var _ domain.SessionRepository = (*sessionRepository)(nil)

// scanSession scans a row into a SessionModel.
func scanSession(scanner interface{ Scan(...any) error }) (*SessionModel, error) {
	var model SessionModel
	err := scanner.Scan(
		&model.ID, &model.GUID, &model.Name, &model.Request, &model.Status,
		&model.PlanPath, &model.SessionDir,
		&model.CreatedAt, &model.StartedAt, &model.PausedAt, &model.CompletedAt,
		&model.UpdatedAt, &model.ArchivedAt,
	)
	return &model, err
}

// Save persists a session to the database.
// For new sessions (ID == 0), inserts a new row and sets the session ID.
// For existing sessions (ID > 0), updates the existing row.
func (r *sessionRepository) Save(session *domain.Session) error {
	model := toSessionModel(session)

	if session.ID() == 0 {
		result, err := r.db.Exec(
			`INSERT INTO sessions (
				guid, name, request, status, plan_path, session_dir,
				created_at, started_at, paused_at, completed_at, updated_at, archived_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			model.GUID, model.Name, model.Request, model.Status,
			model.PlanPath, model.SessionDir,
			model.CreatedAt, model.StartedAt, model.PausedAt, model.CompletedAt,
			model.UpdatedAt, model.ArchivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		session.SetID(id)
		return nil
	}

	_, err := r.db.Exec(
		`UPDATE sessions SET
			name = ?, request = ?, status = ?, plan_path = ?, session_dir = ?,
			started_at = ?, paused_at = ?, completed_at = ?, updated_at = ?, archived_at = ?
		WHERE id = ?`,
		model.Name, model.Request, model.Status, model.PlanPath, model.SessionDir,
		model.StartedAt, model.PausedAt, model.CompletedAt, model.UpdatedAt, model.ArchivedAt,
		model.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// FindByGUID retrieves a session by its public identifier.
// Returns SessionNotFoundError if no matching session exists.
func (r *sessionRepository) FindByGUID(guid string) (*domain.Session, error) {
	row := r.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE guid = ?`,
		guid,
	)
	model, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.SessionNotFoundError{GUID: guid}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by guid: %w", err)
	}
	return model.toDomain(), nil
}

// ListWithFilter retrieves sessions matching the given filter criteria.
// Results are ordered by created_at descending (newest first).
func (r *sessionRepository) ListWithFilter(filter domain.ListFilter) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	if filter.ActiveOnly {
		query += ` AND status NOT IN ('stopped', 'completed', 'cancelled')`
	}

	if !filter.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		model, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, model.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// Delete permanently removes a session record.
// Returns SessionNotFoundError if no matching session exists.
func (r *sessionRepository) Delete(guid string) error {
	result, err := r.db.Exec(`DELETE FROM sessions WHERE guid = ?`, guid)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &domain.SessionNotFoundError{GUID: guid}
	}
	return nil
}

// Close releases any resources held by the repository.
// This is a no-op because the connection is owned by the DB struct.
func (r *sessionRepository) Close() error {
	return nil
}
