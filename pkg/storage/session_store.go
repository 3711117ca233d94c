package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session status constants.
const (
	SessionStatusIdle      = "idle"
	SessionStatusRunning   = "running"
	SessionStatusCrashed   = "crashed"
	SessionStatusCompleted = "completed"
)

// Session represents one coding-agent conversation bound to a project.
type Session struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Title       string    `json:"title,omitempty"`
	Status      string    `json:"status"`
	HarnessKind string    `json:"harnessKind,omitempty"`
	Revision    int64     `json:"revision"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// CreateSession inserts a new session at revision 1.
func (s *Store) CreateSession(session *Session) error {
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.TrimSpace(session.ProjectID) == "" {
		return fmt.Errorf("session project id cannot be empty")
	}

	status := strings.TrimSpace(strings.ToLower(session.Status))
	if status == "" {
		status = SessionStatusIdle
	}
	session.Status = status

	now := time.Now()
	session.Revision = 1
	session.CreatedAt = now
	session.UpdatedAt = now

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	err := withBusyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (session_id, project_id, title, status, harness_kind, revision, created_at, updated_at) VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			session.ID, session.ProjectID, session.Title, status, session.HarnessKind, now, now,
		)
		return err
	})
	if err != nil {
		return wrapStoreErr(err)
	}

	clone := *session
	s.emit(newChange(ChangeCreated, CollectionSession, session.ID, session.ProjectID, 1, clone))
	return nil
}

// UpdateSession applies new fields to an existing session with an optional
// expected-revision precondition. ErrConflict on mismatch, nothing applied.
func (s *Store) UpdateSession(session *Session, expectedRevision int64) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	now := time.Now()
	var res sql.Result
	var err error
	if expectedRevision > 0 {
		res, err = s.db.Exec(
			`UPDATE sessions SET title = ?, status = ?, harness_kind = ?, revision = revision + 1, updated_at = ? WHERE session_id = ? AND revision = ?`,
			session.Title, session.Status, session.HarnessKind, now, session.ID, expectedRevision,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE sessions SET title = ?, status = ?, harness_kind = ?, revision = revision + 1, updated_at = ? WHERE session_id = ?`,
			session.Title, session.Status, session.HarnessKind, now, session.ID,
		)
	}
	if err != nil {
		return wrapStoreErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreErr(err)
	}
	if affected == 0 {
		return s.classifyMiss("sessions", "session_id", session.ID)
	}

	if err := s.db.QueryRow(`SELECT project_id, revision FROM sessions WHERE session_id = ?`, session.ID).Scan(&session.ProjectID, &session.Revision); err != nil {
		return wrapStoreErr(err)
	}
	session.UpdatedAt = now

	clone := *session
	s.emit(newChange(ChangeUpdated, CollectionSession, session.ID, session.ProjectID, session.Revision, clone))
	return nil
}

// SetSessionStatus updates just the status column. Used by the translator
// for harness-driven transitions (running, crashed, completed) where no
// caller holds a revision precondition.
func (s *Store) SetSessionStatus(sessionID, status string) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	event, err := setSessionStatusLocked(s.db, sessionID, status)
	if err != nil {
		return err
	}
	s.emit(event)
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func setSessionStatusLocked(db execer, sessionID, status string) (ChangeEvent, error) {
	now := time.Now()
	res, err := db.Exec(
		`UPDATE sessions SET status = ?, revision = revision + 1, updated_at = ? WHERE session_id = ?`,
		status, now, sessionID,
	)
	if err != nil {
		return ChangeEvent{}, wrapStoreErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ChangeEvent{}, wrapStoreErr(err)
	}
	if affected == 0 {
		return ChangeEvent{}, ErrNotFound
	}

	var session Session
	err = db.QueryRow(
		`SELECT session_id, project_id, title, status, harness_kind, revision, created_at, updated_at FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&session.ID, &session.ProjectID, &session.Title, &session.Status, &session.HarnessKind, &session.Revision, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return ChangeEvent{}, wrapStoreErr(err)
	}

	return newChange(ChangeUpdated, CollectionSession, session.ID, session.ProjectID, session.Revision, session), nil
}

// DeleteSession removes a session and its messages (cascade). Delete events
// carry the parent id, and the cascaded messages get their own delete events
// under the same emit lock, so parent-scoped subscriptions see every removal.
func (s *Store) DeleteSession(sessionID string, expectedRevision int64) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	var projectID string
	err := s.db.QueryRow(`SELECT project_id FROM sessions WHERE session_id = ?`, sessionID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrapStoreErr(err)
	}

	messageIDs, err := s.childIDs(`SELECT message_id FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}

	var res sql.Result
	if expectedRevision > 0 {
		res, err = s.db.Exec(`DELETE FROM sessions WHERE session_id = ? AND revision = ?`, sessionID, expectedRevision)
	} else {
		res, err = s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	}
	if err != nil {
		return wrapStoreErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreErr(err)
	}
	if affected == 0 {
		return s.classifyMiss("sessions", "session_id", sessionID)
	}

	for _, messageID := range messageIDs {
		s.emit(newChange(ChangeDeleted, CollectionMessage, messageID, sessionID, 0, nil))
	}
	s.emit(newChange(ChangeDeleted, CollectionSession, sessionID, projectID, 0, nil))
	return nil
}

// childIDs collects the single-column id result of a child lookup. Called
// with emitMu held, before the guarded parent DELETE cascades them away.
func (s *Store) childIDs(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapStoreErr(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSession retrieves a session by ID, or ErrNotFound.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	var session Session
	err := s.db.QueryRow(
		`SELECT session_id, project_id, title, status, harness_kind, revision, created_at, updated_at FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&session.ID, &session.ProjectID, &session.Title, &session.Status, &session.HarnessKind, &session.Revision, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return &session, nil
}

// ListSessionsByProject returns all sessions for a project ordered by
// creation time.
func (s *Store) ListSessionsByProject(projectID string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT session_id, project_id, title, status, harness_kind, revision, created_at, updated_at FROM sessions WHERE project_id = ? ORDER BY created_at`,
		projectID,
	)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.ProjectID, &session.Title, &session.Status, &session.HarnessKind, &session.Revision, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, wrapStoreErr(err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
