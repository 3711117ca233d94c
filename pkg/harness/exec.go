package harness

import (
	"context"
	"os"
	"os/exec"
)

// execHarness launches a backend binary and speaks the command protocol
// over its stdio. Concrete variants are thin constructors around it.
type execHarness struct {
	kind   string
	binary string
	args   []string
}

func (h *execHarness) Kind() string {
	return h.kind
}

func (h *execHarness) Start(ctx context.Context, cfg Config) (*Session, error) {
	if _, err := exec.LookPath(h.binary); err != nil {
		return nil, &LaunchError{Binary: h.binary, Err: err}
	}

	cmd := exec.Command(h.binary, h.args...)
	cmd.Dir = cfg.Dir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Binary: h.binary, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Binary: h.binary, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Binary: h.binary, Err: err}
	}

	session := newSession(h.kind, cfg.SessionID, stdout, stdin, stdin, cmd.Wait, func() {
		terminateProcess(cmd)
	})

	if err := session.sendStart(cfg); err != nil {
		_ = session.Stop()
		return nil, &LaunchError{Binary: h.binary, Err: err}
	}

	return session, nil
}

func (h *execHarness) SendInput(ctx context.Context, session *Session, input Input) error {
	return session.SendInput(input)
}

func (h *execHarness) Events(session *Session) <-chan RawEvent {
	return session.events
}

func (h *execHarness) Stop(session *Session) error {
	return session.Stop()
}
