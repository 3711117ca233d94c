package ipc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/odvcencio/greenroom/pkg/bus"
	"github.com/odvcencio/greenroom/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "ipc.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mb := bus.NewMemoryBus()
	t.Cleanup(func() { _ = mb.Close() })

	return NewServer(Config{BindAddress: "127.0.0.1:0"}, store, mb, nil), store
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	server, store := newTestServer(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	if err := store.CreateProject(&storage.Project{ID: "p1", Name: "demo"}); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := store.CreateSession(&storage.Session{ID: "s1", ProjectID: "p1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.AppendMessage(&storage.Message{ID: "m1", SessionID: "s1", Role: "user", Parts: []storage.Part{{Type: "text", Text: "hi"}}}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	var projects struct {
		Seq      uint64            `json:"seq"`
		Projects []storage.Project `json:"projects"`
	}
	getJSON(t, ts.URL+"/api/projects", &projects)
	if len(projects.Projects) != 1 || projects.Projects[0].Name != "demo" {
		t.Fatalf("unexpected projects payload: %+v", projects)
	}
	if projects.Seq != 3 {
		t.Fatalf("expected seq 3, got %d", projects.Seq)
	}

	var sessions struct {
		Sessions []storage.Session `json:"sessions"`
	}
	getJSON(t, ts.URL+"/api/projects/p1/sessions", &sessions)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].ID != "s1" {
		t.Fatalf("unexpected sessions payload: %+v", sessions)
	}

	var messages struct {
		Messages []storage.Message `json:"messages"`
	}
	getJSON(t, ts.URL+"/api/sessions/s1/messages", &messages)
	if len(messages.Messages) != 1 || messages.Messages[0].Parts[0].Text != "hi" {
		t.Fatalf("unexpected messages payload: %+v", messages)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func getJSON(t *testing.T, url string, into any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
