package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Project represents a workspace directory that sessions run against.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Dir       string    `json:"dir,omitempty"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateProject inserts a new project at revision 1.
func (s *Store) CreateProject(project *Project) error {
	if strings.TrimSpace(project.ID) == "" {
		return fmt.Errorf("project id cannot be empty")
	}

	now := time.Now()
	project.Revision = 1
	project.CreatedAt = now
	project.UpdatedAt = now

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	err := withBusyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO projects (project_id, name, dir, revision, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?)`,
			project.ID, project.Name, project.Dir, now, now,
		)
		return err
	})
	if err != nil {
		return wrapStoreErr(err)
	}

	clone := *project
	s.emit(newChange(ChangeCreated, CollectionProject, project.ID, "", 1, clone))
	return nil
}

// UpdateProject applies new fields to an existing project. A non-zero
// expectedRevision is an optimistic concurrency precondition: when it does
// not match the stored revision the update fails with ErrConflict and
// nothing is applied.
func (s *Store) UpdateProject(project *Project, expectedRevision int64) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	now := time.Now()
	var res sql.Result
	var err error
	if expectedRevision > 0 {
		res, err = s.db.Exec(
			`UPDATE projects SET name = ?, dir = ?, revision = revision + 1, updated_at = ? WHERE project_id = ? AND revision = ?`,
			project.Name, project.Dir, now, project.ID, expectedRevision,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE projects SET name = ?, dir = ?, revision = revision + 1, updated_at = ? WHERE project_id = ?`,
			project.Name, project.Dir, now, project.ID,
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
		return s.classifyMiss("projects", "project_id", project.ID)
	}

	if err := s.db.QueryRow(`SELECT revision FROM projects WHERE project_id = ?`, project.ID).Scan(&project.Revision); err != nil {
		return wrapStoreErr(err)
	}
	project.UpdatedAt = now

	clone := *project
	s.emit(newChange(ChangeUpdated, CollectionProject, project.ID, "", project.Revision, clone))
	return nil
}

// DeleteProject removes a project. Sessions and messages beneath it cascade
// at the SQL level and each cascaded row gets its own delete event under the
// same emit lock, deepest first, so scoped subscriptions see every removal.
func (s *Store) DeleteProject(projectID string, expectedRevision int64) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	sessionIDs, err := s.childIDs(`SELECT session_id FROM sessions WHERE project_id = ?`, projectID)
	if err != nil {
		return err
	}

	type childMessage struct {
		id        string
		sessionID string
	}
	var messages []childMessage
	rows, err := s.db.Query(
		`SELECT m.message_id, m.session_id FROM messages m JOIN sessions s ON m.session_id = s.session_id WHERE s.project_id = ?`,
		projectID,
	)
	if err != nil {
		return wrapStoreErr(err)
	}
	for rows.Next() {
		var m childMessage
		if err := rows.Scan(&m.id, &m.sessionID); err != nil {
			rows.Close()
			return wrapStoreErr(err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return wrapStoreErr(err)
	}
	rows.Close()

	var res sql.Result
	if expectedRevision > 0 {
		res, err = s.db.Exec(`DELETE FROM projects WHERE project_id = ? AND revision = ?`, projectID, expectedRevision)
	} else {
		res, err = s.db.Exec(`DELETE FROM projects WHERE project_id = ?`, projectID)
	}
	if err != nil {
		return wrapStoreErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreErr(err)
	}
	if affected == 0 {
		return s.classifyMiss("projects", "project_id", projectID)
	}

	for _, m := range messages {
		s.emit(newChange(ChangeDeleted, CollectionMessage, m.id, m.sessionID, 0, nil))
	}
	for _, sessionID := range sessionIDs {
		s.emit(newChange(ChangeDeleted, CollectionSession, sessionID, projectID, 0, nil))
	}
	s.emit(newChange(ChangeDeleted, CollectionProject, projectID, "", 0, nil))
	return nil
}

// GetProject retrieves a project by ID, or ErrNotFound.
func (s *Store) GetProject(projectID string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(
		`SELECT project_id, name, dir, revision, created_at, updated_at FROM projects WHERE project_id = ?`,
		projectID,
	).Scan(&p.ID, &p.Name, &p.Dir, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query(`SELECT project_id, name, dir, revision, created_at, updated_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Dir, &p.Revision, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, wrapStoreErr(err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// classifyMiss distinguishes a missing row from a revision mismatch after a
// guarded UPDATE/DELETE touched zero rows.
func (s *Store) classifyMiss(table, idColumn, id string) error {
	var one int
	err := s.db.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ?`, table, idColumn), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrapStoreErr(err)
	}
	return ErrConflict
}

// withBusyRetry retries a write a few times on transient SQLITE_BUSY.
func withBusyRetry(fn func() error) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}
		if attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
		}
	}
	return err
}
