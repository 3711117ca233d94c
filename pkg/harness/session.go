package harness

import (
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// State is a harness session's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateExited
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Session represents one running external agent process. The process handle
// is owned exclusively by the session; no other component writes to its
// stdio. Lifecycle: Starting -> Running -> {Exited, Crashed}, with
// Running -> Stopping -> Exited on explicit stop. Crashed is terminal.
type Session struct {
	// ID identifies this harness session (event dedupe cursor key).
	ID string

	// BoundSessionID is the domain session this run feeds.
	BoundSessionID string

	kind       string
	transport  *Transport
	stdin      io.Closer
	wait       func() error
	terminate  func()
	startCmdID string

	state    atomic.Int32
	stopReq  atomic.Bool
	stopOnce sync.Once

	events chan RawEvent
	done   chan struct{}
}

// newSession wires a session over the process's stdio and begins reading
// its output. wait reaps the process after its output closes; terminate
// asks it to exit. Both may be nil for pipe-backed sessions in tests.
func newSession(kind, boundSessionID string, stdout io.Reader, stdin io.Writer, stdinCloser io.Closer, wait func() error, terminate func()) *Session {
	s := &Session{
		ID:             ulid.Make().String(),
		BoundSessionID: boundSessionID,
		kind:           kind,
		transport:      NewTransport(stdout, stdin),
		stdin:          stdinCloser,
		wait:           wait,
		terminate:      terminate,
		startCmdID:     ulid.Make().String(),
		events:         make(chan RawEvent, 64),
		done:           make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// NewPipeSession wires a session over an existing stdio pair without
// spawning a process: the caller owns the far side, and closing it ends the
// stream. Used for backends managed out of process and in tests. The
// session starts in StateRunning since there is no spawn to ack.
func NewPipeSession(kind, boundSessionID string, stdout io.Reader, stdin io.WriteCloser) *Session {
	s := newSession(kind, boundSessionID, stdout, stdin, stdin, nil, nil)
	s.state.Store(int32(StateRunning))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Events returns the session's raw event stream. The channel closes only
// after the process has exited and every buffered event was delivered.
func (s *Session) Events() <-chan RawEvent {
	return s.events
}

// Done is closed once the process has exited and the event stream drained.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// sendStart writes the start command; its ack moves the session to Running.
func (s *Session) sendStart(cfg Config) error {
	return s.transport.WriteFrame(commandFrame{
		ID: s.startCmdID,
		Command: commandBody{
			Type:      cmdStart,
			SessionID: cfg.SessionID,
			Dir:       cfg.Dir,
			Title:     cfg.Title,
		},
	})
}

// SendInput forwards a prompt to the process. ErrNotRunning unless the
// session is in StateRunning.
func (s *Session) SendInput(input Input) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	return s.transport.WriteFrame(commandFrame{
		ID: ulid.Make().String(),
		Command: commandBody{
			Type: cmdInput,
			Text: input.Text,
		},
	})
}

// Stop requests shutdown. Idempotent; a no-op on sessions already stopped
// or crashed. Safe to call from a goroutine other than the event consumer:
// it only signals the process, and the read loop finishes the drain.
func (s *Session) Stop() error {
	if st := s.State(); st == StateExited || st == StateCrashed {
		return nil
	}

	s.stopOnce.Do(func() {
		s.stopReq.Store(true)
		if !s.transition(StateRunning, StateStopping) {
			s.transition(StateStarting, StateStopping)
		}

		// Best effort: a well-behaved process exits on the stop command or
		// on stdin close; terminate covers the rest.
		_ = s.transport.WriteFrame(commandFrame{
			ID:      ulid.Make().String(),
			Command: commandBody{Type: cmdStop},
		})
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.terminate != nil {
			s.terminate()
		}
	})
	return nil
}

// readLoop consumes process stdout until EOF, forwarding events. It is the
// only writer to the events channel, which guarantees drain-before-close:
// every frame observed before exit is delivered before the channel closes.
func (s *Session) readLoop() {
	for {
		raw, err := s.transport.ReadLine()
		if err != nil {
			break
		}

		var frame outFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.events <- RawEvent{Kind: EventMalformed, SessionID: s.BoundSessionID, Payload: append(json.RawMessage(nil), raw...), Err: err}
			continue
		}

		switch {
		case frame.isAck():
			if frame.ID == s.startCmdID && frame.Status == StatusOK {
				s.transition(StateStarting, StateRunning)
			}
		case frame.isEvent():
			sessionID := frame.SessionID
			if sessionID == "" {
				sessionID = s.BoundSessionID
			}
			s.events <- RawEvent{
				Seq:       frame.Seq,
				Kind:      frame.Event,
				SessionID: sessionID,
				Payload:   frame.Payload,
			}
		default:
			s.events <- RawEvent{Kind: EventMalformed, SessionID: s.BoundSessionID, Payload: append(json.RawMessage(nil), raw...), Err: errUnrecognizedFrame}
		}
	}

	if s.wait != nil {
		// Reap the process. The exit status is irrelevant after an explicit
		// stop, since signal-driven termination reports an error from wait.
		_ = s.wait()
	}

	// A stream that closes without a stop request is a crash; there is no
	// way back to Running.
	if s.stopReq.Load() {
		s.state.Store(int32(StateExited))
	} else {
		s.state.Store(int32(StateCrashed))
	}

	close(s.events)
	close(s.done)
}

var errUnrecognizedFrame = jsonError("frame is neither an ack nor an event")

type jsonError string

func (e jsonError) Error() string { return string(e) }
