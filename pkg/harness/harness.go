// Package harness adapts external coding-agent processes to greenroom's
// event vocabulary. A Harness variant knows how to launch one backend
// (opencode, a script under test, ...) and speak the line-delimited JSON
// command protocol over its stdio. The core never branches on backend type;
// new backends are added as new variants.
package harness

import (
	"context"
	"errors"
	"fmt"
)

// Config carries what a harness needs to start one agent run.
type Config struct {
	// SessionID is the domain session the run is bound to. Required.
	SessionID string

	// Dir is the working directory for the agent process.
	Dir string

	// Title seeds the agent-side session title, when the backend supports it.
	Title string
}

// Input is one prompt payload forwarded to a running agent.
type Input struct {
	Text string
}

// Harness is the capability set every backend variant implements.
type Harness interface {
	// Kind names the backend ("opencode").
	Kind() string

	// Start spawns the agent process and returns its session in state
	// StateStarting. Fails with *LaunchError when the executable is
	// missing or the spawn fails.
	Start(ctx context.Context, cfg Config) (*Session, error)

	// SendInput forwards a prompt to a running session. Fails with
	// ErrNotRunning unless the session is in StateRunning. Concurrent
	// calls serialize; lines are never interleaved on the process stdin.
	SendInput(ctx context.Context, session *Session, input Input) error

	// Events returns the session's event stream: a lazy, non-restartable
	// sequence that terminates only when the process exits, after all
	// buffered events have been drained.
	Events(session *Session) <-chan RawEvent

	// Stop requests shutdown. Idempotent, safe from any goroutine, and
	// causes Events to terminate after draining.
	Stop(session *Session) error
}

// ErrNotRunning is returned for input sent to a session that is not active.
var ErrNotRunning = errors.New("harness: session not running")

// LaunchError indicates the agent process could not be started. Fatal to
// the session, not to the system.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("harness: failed to launch %q: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Registry maps harness kinds to their variants.
type Registry struct {
	variants map[string]Harness
}

// NewRegistry builds a registry from the given variants.
func NewRegistry(variants ...Harness) *Registry {
	r := &Registry{variants: make(map[string]Harness)}
	for _, v := range variants {
		r.variants[v.Kind()] = v
	}
	return r
}

// Register adds a variant, replacing any previous one of the same kind.
func (r *Registry) Register(h Harness) {
	r.variants[h.Kind()] = h
}

// Get returns the variant for a kind.
func (r *Registry) Get(kind string) (Harness, error) {
	h, ok := r.variants[kind]
	if !ok {
		return nil, fmt.Errorf("harness: unknown kind %q", kind)
	}
	return h, nil
}

// Kinds lists the registered backend kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.variants))
	for k := range r.variants {
		kinds = append(kinds, k)
	}
	return kinds
}
