package translator

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/storage"
)

func newFixture(t *testing.T) (*Translator, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "translator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateProject(&storage.Project{ID: "p1", Name: "demo"}))
	require.NoError(t, store.CreateSession(&storage.Session{ID: "s1", ProjectID: "p1"}))

	return New(store, nil), store
}

func rawEvent(seq uint64, kind string, payload any) harness.RawEvent {
	data, _ := json.Marshal(payload)
	return harness.RawEvent{Seq: seq, Kind: kind, SessionID: "s1", Payload: data}
}

func TestApplyMessageAppended(t *testing.T) {
	tr, store := newFixture(t)

	ev := rawEvent(1, "message.appended", messagePayload{
		MessageID: "m1",
		Role:      "assistant",
		Parts:     []storage.Part{{Type: "text", Text: "hello"}},
	})
	require.NoError(t, tr.Apply("h1", ev))

	msg, err := store.GetMessage("m1")
	require.NoError(t, err)
	require.Equal(t, "s1", msg.SessionID)
	require.Equal(t, int64(1), msg.Revision)
	require.Equal(t, "hello", msg.Parts[0].Text)
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	tr, store := newFixture(t)

	ev := rawEvent(1, "message.appended", messagePayload{
		MessageID: "m1",
		Parts:     []storage.Part{{Type: "text", Text: "hello"}},
	})
	require.NoError(t, tr.Apply("h1", ev))
	require.NoError(t, tr.Apply("h1", ev))
	require.NoError(t, tr.Apply("h1", ev))

	msgs, err := store.ListMessagesBySession("s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, int64(1), msgs[0].Revision, "replay must not bump the record")
}

func TestApplyPartMerging(t *testing.T) {
	tr, store := newFixture(t)

	require.NoError(t, tr.Apply("h1", rawEvent(1, "message.appended", messagePayload{
		MessageID: "m1",
		Parts:     []storage.Part{{Type: "text", Text: "hel"}},
	})))

	// Streamed text extends the trailing text part.
	require.NoError(t, tr.Apply("h1", rawEvent(2, "message.part.updated", partPayload{
		MessageID: "m1",
		Part:      storage.Part{Type: "text", Text: "lo"},
	})))

	// Tool parts are keyed by call id and replaced as state advances.
	require.NoError(t, tr.Apply("h1", rawEvent(3, "message.part.updated", partPayload{
		MessageID: "m1",
		Part:      storage.Part{Type: "tool", Tool: "bash", CallID: "c1", State: "running"},
	})))
	require.NoError(t, tr.Apply("h1", rawEvent(4, "message.part.updated", partPayload{
		MessageID: "m1",
		Part:      storage.Part{Type: "tool", Tool: "bash", CallID: "c1", State: "completed", Output: "ok"},
	})))

	msg, err := store.GetMessage("m1")
	require.NoError(t, err)
	require.Len(t, msg.Parts, 2)
	require.Equal(t, "hello", msg.Parts[0].Text)
	require.Equal(t, "completed", msg.Parts[1].State)
	require.Equal(t, "ok", msg.Parts[1].Output)
}

func TestApplyUnknownKindIsDropped(t *testing.T) {
	tr, store := newFixture(t)

	require.NoError(t, tr.Apply("h1", rawEvent(1, "some.future.event", map[string]any{"x": 1})))

	msgs, err := store.ListMessagesBySession("s1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestApplyMalformedIsDropped(t *testing.T) {
	tr, store := newFixture(t)

	require.NoError(t, tr.Apply("h1", harness.RawEvent{Kind: harness.EventMalformed, SessionID: "s1"}))

	msgs, err := store.ListMessagesBySession("s1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestApplySessionStatusEvents(t *testing.T) {
	tr, store := newFixture(t)

	require.NoError(t, tr.Apply("h1", rawEvent(1, "session.busy", nil)))
	session, err := store.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, storage.SessionStatusRunning, session.Status)

	require.NoError(t, tr.Apply("h1", rawEvent(2, "session.idle", nil)))
	session, err = store.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, storage.SessionStatusIdle, session.Status)
}

func TestRunRecordsCrash(t *testing.T) {
	tr, store := newFixture(t)

	stdoutR, stdoutW := io.Pipe()
	_, stdinW := io.Pipe()
	session := harness.NewPipeSession("fake", "s1", stdoutR, stdinW)

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background(), session) }()

	out := harness.NewTransport(nil, stdoutW)
	payload, _ := json.Marshal(messagePayload{MessageID: "m1", Parts: []storage.Part{{Type: "text", Text: "hi"}}})
	require.NoError(t, out.WriteFrame(map[string]any{
		"seq": 1, "event": "message.appended", "sessionId": "s1", "payload": json.RawMessage(payload),
	}))

	// The far side dies without a stop request: the stream terminates and
	// the crash lands on the session record.
	_ = stdoutW.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("translator run did not finish")
	}

	require.Equal(t, harness.StateCrashed, session.State())

	sess, err := store.GetSession("s1")
	require.NoError(t, err)
	require.Equal(t, storage.SessionStatusCrashed, sess.Status)

	msg, err := store.GetMessage("m1")
	require.NoError(t, err)
	require.Equal(t, "hi", msg.Parts[0].Text)
}
