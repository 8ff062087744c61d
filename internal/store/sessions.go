package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arizonacoders/claude-flow/internal/models"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("session not found")

// SessionStore handles session, event, transition, and tracked-item rows on
// SQLite. All writes are single-row and atomic; read-modify-write sequences
// (the resume counter) live in the decision layer, not here.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a new session store.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// CreateSession inserts a new session row. Fails if the id already exists.
func (s *SessionStore) CreateSession(ctx context.Context, sess *models.Session) error {
	waiting, err := marshalStatuses(sess.WaitingForStatuses)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, work_item_number, role, status, resume_count,
			waiting_for_statuses, project_path, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.WorkItemNumber, sess.Role, string(sess.Status), sess.ResumeCount,
		waiting, sess.ProjectPath, sess.TimeoutSeconds, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id. Returns ErrNotFound if absent.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, work_item_number, role, status, resume_count, waiting_for_statuses,
			project_path, timeout_seconds, created_at, updated_at, completed_at
		FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetSessionsByStatus returns all sessions whose status is in the given set.
func (s *SessionStore) GetSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, work_item_number, role, status, resume_count, waiting_for_statuses,
			project_path, timeout_seconds, created_at, updated_at, completed_at
		FROM sessions WHERE status IN (`+placeholders+`) ORDER BY created_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSessions returns all sessions ordered by creation time, newest first.
func (s *SessionStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, work_item_number, role, status, resume_count, waiting_for_statuses,
			project_path, timeout_seconds, created_at, updated_at, completed_at
		FROM sessions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession applies the non-nil fields of the update to a single row.
// Returns ErrNotFound when the id has no row.
func (s *SessionStore) UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().Unix()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ResumeCount != nil {
		sets = append(sets, "resume_count = ?")
		args = append(args, *update.ResumeCount)
	}
	if update.WaitingForStatuses != nil {
		waiting, err := marshalStatuses(*update.WaitingForStatuses)
		if err != nil {
			return err
		}
		sets = append(sets, "waiting_for_statuses = ?")
		args = append(args, waiting)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordEvent appends one entry to a session's event log.
func (s *SessionStore) RecordEvent(ctx context.Context, sessionID string, kind models.EventKind, payload map[string]any) error {
	var payloadJSON any
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), sessionID, string(kind), payloadJSON, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a session's event log in insertion order.
func (s *SessionStore) ListEvents(ctx context.Context, sessionID string) ([]*models.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, payload, created_at
		FROM session_events WHERE session_id = ? ORDER BY created_at, rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var kind string
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &kind, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// RecordTransition appends one observed status change for a work item.
func (s *SessionStore) RecordTransition(ctx context.Context, number int, from, to string) error {
	var fromVal any
	if from != "" {
		fromVal = from
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_transitions (work_item_number, from_status, to_status, detected_at)
		VALUES (?, ?, ?, ?)
	`, number, fromVal, to, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns the recorded transitions for a work item, oldest first.
func (s *SessionStore) ListTransitions(ctx context.Context, number int) ([]*models.StatusTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT work_item_number, from_status, to_status, detected_at
		FROM status_transitions WHERE work_item_number = ? ORDER BY detected_at, id
	`, number)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []*models.StatusTransition
	for rows.Next() {
		var tr models.StatusTransition
		var from sql.NullString
		if err := rows.Scan(&tr.WorkItemNumber, &from, &tr.ToStatus, &tr.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.FromStatus = from.String
		out = append(out, &tr)
	}
	return out, rows.Err()
}

// UpsertTrackedItem inserts or updates the tracked-item row for
// (work item, session).
func (s *SessionStore) UpsertTrackedItem(ctx context.Context, item *models.TrackedItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_items (work_item_number, session_id, parent_number, current_status, target_status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(work_item_number, session_id) DO UPDATE SET
			parent_number = excluded.parent_number,
			current_status = excluded.current_status,
			target_status = excluded.target_status
	`, item.WorkItemNumber, item.SessionID, item.ParentNumber, item.CurrentStatus, item.TargetStatus)
	if err != nil {
		return fmt.Errorf("upsert tracked item: %w", err)
	}
	return nil
}

// GetTrackedItems returns every item a session is watching.
func (s *SessionStore) GetTrackedItems(ctx context.Context, sessionID string) ([]*models.TrackedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT work_item_number, session_id, parent_number, current_status, target_status
		FROM tracked_items WHERE session_id = ? ORDER BY work_item_number
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get tracked items: %w", err)
	}
	defer rows.Close()

	var out []*models.TrackedItem
	for rows.Next() {
		var item models.TrackedItem
		if err := rows.Scan(&item.WorkItemNumber, &item.SessionID, &item.ParentNumber,
			&item.CurrentStatus, &item.TargetStatus); err != nil {
			return nil, fmt.Errorf("scan tracked item: %w", err)
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var status string
	var waiting sql.NullString
	var completedAt sql.NullInt64

	err := row.Scan(&sess.ID, &sess.WorkItemNumber, &sess.Role, &status, &sess.ResumeCount,
		&waiting, &sess.ProjectPath, &sess.TimeoutSeconds, &sess.CreatedAt, &sess.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)
	if waiting.Valid && waiting.String != "" {
		if err := json.Unmarshal([]byte(waiting.String), &sess.WaitingForStatuses); err != nil {
			return nil, fmt.Errorf("unmarshal waiting_for_statuses: %w", err)
		}
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Int64
	}
	return &sess, nil
}

func marshalStatuses(statuses []string) (any, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(statuses)
	if err != nil {
		return nil, fmt.Errorf("marshal waiting_for_statuses: %w", err)
	}
	return string(data), nil
}
