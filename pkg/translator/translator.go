// Package translator maps raw harness events into canonical store
// mutations. It is the only path by which harness output reaches the
// persistent domain model.
package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/logging"
	"github.com/odvcencio/greenroom/pkg/storage"
)

// Raw event kinds the translator understands. Anything else is logged and
// dropped so harness protocol evolution never becomes fatal.
const (
	eventMessageAppended = "message.appended"
	eventMessagePart     = "message.part.updated"
	eventSessionIdle     = "session.idle"
	eventSessionBusy     = "session.busy"
)

// Translator converts RawEvents into transactional store writes. It is
// idempotent under at-least-once delivery: the store's harness cursor
// discards replayed sequence numbers inside the same transaction as the
// record fan-out.
type Translator struct {
	store  *storage.Store
	logger *logging.Logger
}

// New creates a Translator. A nil logger falls back to a discard logger.
func New(store *storage.Store, logger *logging.Logger) *Translator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Translator{store: store, logger: logger}
}

type messagePayload struct {
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"`
	Parts     []storage.Part `json:"parts"`
}

type partPayload struct {
	MessageID string       `json:"messageId"`
	Part      storage.Part `json:"part"`
}

// Apply translates one raw event from the given harness session. It returns
// an error only for store failures; malformed or unknown events are logged
// and dropped.
func (t *Translator) Apply(harnessID string, ev harness.RawEvent) error {
	if ev.Kind == harness.EventMalformed {
		t.logger.Warn(logging.CategoryTranslator, "event.malformed", "skipping unparseable harness frame", map[string]any{
			"harnessId": harnessID,
			"sessionId": ev.SessionID,
		})
		return nil
	}

	batch, err := t.batchFor(ev)
	if err != nil {
		t.logger.Warn(logging.CategoryTranslator, "event.invalid", err.Error(), map[string]any{
			"harnessId": harnessID,
			"kind":      ev.Kind,
		})
		return nil
	}
	if batch == nil {
		// Unknown kind: forward compatibility, never fatal.
		t.logger.Info(logging.CategoryTranslator, "event.unknown", "dropping unsupported harness event", map[string]any{
			"harnessId": harnessID,
			"kind":      ev.Kind,
		})
		return nil
	}

	applied, err := t.store.ApplyHarnessBatch(harnessID, ev.SessionID, ev.Seq, *batch)
	if err != nil {
		return fmt.Errorf("apply harness event seq %d: %w", ev.Seq, err)
	}
	if !applied {
		t.logger.Debug(logging.CategoryTranslator, "event.replayed", "discarding non-increasing sequence", map[string]any{
			"harnessId": harnessID,
			"seq":       ev.Seq,
		})
	}
	return nil
}

// batchFor builds the record fan-out for one event. A nil batch with nil
// error means the kind is unsupported.
func (t *Translator) batchFor(ev harness.RawEvent) (*storage.HarnessBatch, error) {
	switch ev.Kind {
	case eventMessageAppended:
		var p messagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		if p.MessageID == "" {
			return nil, fmt.Errorf("%s payload missing messageId", ev.Kind)
		}
		role := p.Role
		if role == "" {
			role = "assistant"
		}
		return &storage.HarnessBatch{
			UpsertMessages: []storage.Message{{
				ID:        p.MessageID,
				SessionID: ev.SessionID,
				Role:      role,
				Parts:     p.Parts,
			}},
		}, nil

	case eventMessagePart:
		var p partPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		if p.MessageID == "" {
			return nil, fmt.Errorf("%s payload missing messageId", ev.Kind)
		}
		msg, err := t.mergePart(ev.SessionID, p)
		if err != nil {
			return nil, err
		}
		return &storage.HarnessBatch{UpsertMessages: []storage.Message{*msg}}, nil

	case eventSessionIdle:
		return &storage.HarnessBatch{SessionStatus: storage.SessionStatusIdle}, nil

	case eventSessionBusy:
		return &storage.HarnessBatch{SessionStatus: storage.SessionStatusRunning}, nil

	default:
		return nil, nil
	}
}

// mergePart folds one part update into the message's current parts. The
// translator is the single writer for a harness session's messages, so the
// read-merge-write here cannot race with itself.
func (t *Translator) mergePart(sessionID string, p partPayload) (*storage.Message, error) {
	msg, err := t.store.GetMessage(p.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		msg = &storage.Message{
			ID:        p.MessageID,
			SessionID: sessionID,
			Role:      "assistant",
		}
	} else if err != nil {
		return nil, fmt.Errorf("load message %s: %w", p.MessageID, err)
	}

	merged := false
	if p.Part.CallID != "" {
		// Tool parts are keyed by call id and replaced in place as their
		// state advances.
		for i := range msg.Parts {
			if msg.Parts[i].CallID == p.Part.CallID {
				msg.Parts[i] = p.Part
				merged = true
				break
			}
		}
	} else if p.Part.Type == "text" && len(msg.Parts) > 0 {
		// Streamed token batches extend the trailing text part.
		last := &msg.Parts[len(msg.Parts)-1]
		if last.Type == "text" {
			last.Text += p.Part.Text
			merged = true
		}
	}
	if !merged {
		msg.Parts = append(msg.Parts, p.Part)
	}
	return msg, nil
}

// Run drains a harness session's event stream until it terminates, then
// records the final disposition on the bound domain session. A crashed
// harness becomes an ordinary session status ChangeEvent so clients observe
// the failure through their normal subscriptions.
func (t *Translator) Run(ctx context.Context, session *harness.Session) error {
	for ev := range session.Events() {
		if err := t.Apply(session.ID, ev); err != nil {
			t.logger.Error(logging.CategoryTranslator, "apply.failed", err.Error(), map[string]any{
				"harnessId": session.ID,
				"sessionId": session.BoundSessionID,
			})
		}
		if ctx.Err() != nil {
			// Shutdown in progress; the harness adapter is responsible for
			// closing the stream, we just stop translating early.
			break
		}
	}

	var status string
	switch session.State() {
	case harness.StateCrashed:
		status = storage.SessionStatusCrashed
	case harness.StateExited:
		status = storage.SessionStatusIdle
	default:
		return nil
	}

	if err := t.store.SetSessionStatus(session.BoundSessionID, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("record final session status: %w", err)
	}
	return nil
}
