package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Part is one segment of a message: streamed text, model reasoning, or a
// tool invocation with its current state.
type Part struct {
	Type     string          `json:"type"` // text | reasoning | tool
	Text     string          `json:"text,omitempty"`
	Tool     string          `json:"tool,omitempty"`
	CallID   string          `json:"callId,omitempty"`
	State    string          `json:"state,omitempty"` // pending | running | completed | error
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
	ErrorMsg string          `json:"error,omitempty"`
}

// Message represents one conversation message with its ordered parts.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Parts     []Part    `json:"parts"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AppendMessage inserts a new message at revision 1.
func (s *Store) AppendMessage(msg *Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return fmt.Errorf("message session id cannot be empty")
	}

	now := time.Now()
	msg.Revision = 1
	msg.CreatedAt = now
	msg.UpdatedAt = now

	parts, err := marshalParts(msg.Parts)
	if err != nil {
		return err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	err = withBusyRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO messages (message_id, session_id, role, parts_json, revision, created_at, updated_at) VALUES (?, ?, ?, ?, 1, ?, ?)`,
			msg.ID, msg.SessionID, msg.Role, parts, now, now,
		)
		return err
	})
	if err != nil {
		return wrapStoreErr(err)
	}

	clone := *msg
	s.emit(newChange(ChangeCreated, CollectionMessage, msg.ID, msg.SessionID, 1, clone))
	return nil
}

// UpdateMessage replaces a message's role and parts with an optional
// expected-revision precondition.
func (s *Store) UpdateMessage(msg *Message, expectedRevision int64) error {
	parts, err := marshalParts(msg.Parts)
	if err != nil {
		return err
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	now := time.Now()
	var res sql.Result
	if expectedRevision > 0 {
		res, err = s.db.Exec(
			`UPDATE messages SET role = ?, parts_json = ?, revision = revision + 1, updated_at = ? WHERE message_id = ? AND revision = ?`,
			msg.Role, parts, now, msg.ID, expectedRevision,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE messages SET role = ?, parts_json = ?, revision = revision + 1, updated_at = ? WHERE message_id = ?`,
			msg.Role, parts, now, msg.ID,
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
		return s.classifyMiss("messages", "message_id", msg.ID)
	}

	if err := s.db.QueryRow(`SELECT session_id, revision FROM messages WHERE message_id = ?`, msg.ID).Scan(&msg.SessionID, &msg.Revision); err != nil {
		return wrapStoreErr(err)
	}
	msg.UpdatedAt = now

	clone := *msg
	s.emit(newChange(ChangeUpdated, CollectionMessage, msg.ID, msg.SessionID, msg.Revision, clone))
	return nil
}

// DeleteMessage removes a message. The delete event carries the owning
// session id so session-scoped subscriptions see the removal.
func (s *Store) DeleteMessage(messageID string, expectedRevision int64) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	var sessionID string
	err := s.db.QueryRow(`SELECT session_id FROM messages WHERE message_id = ?`, messageID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrapStoreErr(err)
	}

	var res sql.Result
	if expectedRevision > 0 {
		res, err = s.db.Exec(`DELETE FROM messages WHERE message_id = ? AND revision = ?`, messageID, expectedRevision)
	} else {
		res, err = s.db.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	}
	if err != nil {
		return wrapStoreErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return wrapStoreErr(err)
	}
	if affected == 0 {
		return s.classifyMiss("messages", "message_id", messageID)
	}

	s.emit(newChange(ChangeDeleted, CollectionMessage, messageID, sessionID, 0, nil))
	return nil
}

// GetMessage retrieves a message by ID, or ErrNotFound.
func (s *Store) GetMessage(messageID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT message_id, session_id, role, parts_json, revision, created_at, updated_at FROM messages WHERE message_id = ?`,
		messageID,
	)
	return scanMessage(row)
}

// ListMessagesBySession returns all messages for a session in creation order.
func (s *Store) ListMessagesBySession(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT message_id, session_id, role, parts_json, revision, created_at, updated_at FROM messages WHERE session_id = ? ORDER BY created_at, message_id`,
		sessionID,
	)
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var parts string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &parts, &msg.Revision, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, wrapStoreErr(err)
		}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("decode message parts: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var parts string
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &parts, &msg.Revision, &msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("decode message parts: %w", err)
	}
	return &msg, nil
}

func marshalParts(parts []Part) (string, error) {
	if parts == nil {
		parts = []Part{}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encode message parts: %w", err)
	}
	return string(data), nil
}
