package storage

import (
	"database/sql"
	"errors"
	"time"
)

// HarnessBatch is the set of record mutations one harness event fans out
// into. All of it commits in a single transaction together with the harness
// cursor advance, so a replayed event can never half-apply.
type HarnessBatch struct {
	// UpsertMessages are created if absent, otherwise updated in place
	// (streamed token batches repeatedly rewrite one message record).
	UpsertMessages []Message

	// SessionStatus, when non-empty, transitions the bound session.
	SessionStatus string
}

// ApplyHarnessBatch applies a batch produced from the harness event with the
// given sequence number. Events with a sequence at or below the last applied
// one are discarded (at-least-once delivery from the harness); the bool
// result reports whether the batch was applied.
func (s *Store) ApplyHarnessBatch(harnessID, sessionID string, seq uint64, batch HarnessBatch) (bool, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, wrapStoreErr(err)
	}

	var lastSeq uint64
	err = tx.QueryRow(`SELECT last_seq FROM harness_cursors WHERE harness_id = ?`, harnessID).Scan(&lastSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return false, wrapStoreErr(err)
	}
	if seq <= lastSeq {
		_ = tx.Rollback()
		return false, nil
	}

	var events []ChangeEvent

	for i := range batch.UpsertMessages {
		event, err := upsertMessageTx(tx, &batch.UpsertMessages[i])
		if err != nil {
			_ = tx.Rollback()
			return false, err
		}
		events = append(events, event)
	}

	if batch.SessionStatus != "" {
		event, err := setSessionStatusLocked(tx, sessionID, batch.SessionStatus)
		if err != nil {
			_ = tx.Rollback()
			return false, err
		}
		events = append(events, event)
	}

	now := time.Now()
	_, err = tx.Exec(
		`INSERT INTO harness_cursors (harness_id, session_id, last_seq, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(harness_id) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		harnessID, sessionID, seq, now,
	)
	if err != nil {
		_ = tx.Rollback()
		return false, wrapStoreErr(err)
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return false, wrapStoreErr(err)
	}

	for _, event := range events {
		s.emit(event)
	}
	return true, nil
}

// HarnessCursor returns the last applied sequence for a harness session,
// zero when none has been recorded.
func (s *Store) HarnessCursor(harnessID string) (uint64, error) {
	var lastSeq uint64
	err := s.db.QueryRow(`SELECT last_seq FROM harness_cursors WHERE harness_id = ?`, harnessID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreErr(err)
	}
	return lastSeq, nil
}

func upsertMessageTx(tx *sql.Tx, msg *Message) (ChangeEvent, error) {
	parts, err := marshalParts(msg.Parts)
	if err != nil {
		return ChangeEvent{}, err
	}

	now := time.Now()
	res, err := tx.Exec(
		`UPDATE messages SET role = ?, parts_json = ?, revision = revision + 1, updated_at = ? WHERE message_id = ?`,
		msg.Role, parts, now, msg.ID,
	)
	if err != nil {
		return ChangeEvent{}, wrapStoreErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ChangeEvent{}, wrapStoreErr(err)
	}

	if affected == 0 {
		msg.Revision = 1
		msg.CreatedAt = now
		msg.UpdatedAt = now
		_, err := tx.Exec(
			`INSERT INTO messages (message_id, session_id, role, parts_json, revision, created_at, updated_at) VALUES (?, ?, ?, ?, 1, ?, ?)`,
			msg.ID, msg.SessionID, msg.Role, parts, now, now,
		)
		if err != nil {
			return ChangeEvent{}, wrapStoreErr(err)
		}
		return newChange(ChangeCreated, CollectionMessage, msg.ID, msg.SessionID, 1, *msg), nil
	}

	err = tx.QueryRow(`SELECT session_id, revision FROM messages WHERE message_id = ?`, msg.ID).
		Scan(&msg.SessionID, &msg.Revision)
	if err != nil {
		return ChangeEvent{}, wrapStoreErr(err)
	}
	msg.UpdatedAt = now
	return newChange(ChangeUpdated, CollectionMessage, msg.ID, msg.SessionID, msg.Revision, *msg), nil
}
