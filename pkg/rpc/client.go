package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/odvcencio/greenroom/pkg/bus"
	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/storage"
)

// Client is the typed caller side of the service. It maps wire error codes
// back to the sentinels callers already check for (storage.ErrConflict,
// storage.ErrNotFound, harness.ErrNotRunning, storage.ErrStoreClosed).
type Client struct {
	bus     bus.MessageBus
	timeout time.Duration
}

// NewClient creates a Client. A zero timeout uses the bus default of 30s.
func NewClient(b bus.MessageBus, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{bus: b, timeout: timeout}
}

func (c *Client) call(ctx context.Context, subject string, req any, result any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	raw, err := c.bus.Request(ctx, subject, data, c.timeout)
	if err != nil {
		return fmt.Errorf("call %s: %w", subject, err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode %s response: %w", subject, err)
	}
	if !resp.OK {
		return decodeWireError(subject, resp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", subject, err)
		}
	}
	return nil
}

func decodeWireError(subject string, we *wireError) error {
	if we == nil {
		return fmt.Errorf("call %s: unspecified error", subject)
	}
	switch we.Code {
	case CodeConflict:
		return fmt.Errorf("call %s: %s: %w", subject, we.Message, storage.ErrConflict)
	case CodeNotFound:
		return fmt.Errorf("call %s: %s: %w", subject, we.Message, storage.ErrNotFound)
	case CodeNotRunning:
		return fmt.Errorf("call %s: %w", subject, harness.ErrNotRunning)
	case CodeUnavailable:
		return fmt.Errorf("call %s: %s: %w", subject, we.Message, storage.ErrStoreClosed)
	default:
		return fmt.Errorf("call %s: %s: %s", subject, we.Code, we.Message)
	}
}

func (c *Client) CreateProject(ctx context.Context, project storage.Project) (*storage.Project, error) {
	var out storage.Project
	if err := c.call(ctx, SubjectMutateProjectCreate, projectRequest{Project: project}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateProject(ctx context.Context, project storage.Project, expectedRevision int64) (*storage.Project, error) {
	var out storage.Project
	req := projectRequest{Project: project, ExpectedRevision: expectedRevision}
	if err := c.call(ctx, SubjectMutateProjectUpdate, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteProject(ctx context.Context, projectID string, expectedRevision int64) error {
	req := projectRequest{ID: projectID, ExpectedRevision: expectedRevision}
	return c.call(ctx, SubjectMutateProjectDelete, req, nil)
}

func (c *Client) CreateSession(ctx context.Context, session storage.Session) (*storage.Session, error) {
	var out storage.Session
	if err := c.call(ctx, SubjectMutateSessionCreate, sessionRequest{Session: session}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateSession(ctx context.Context, session storage.Session, expectedRevision int64) (*storage.Session, error) {
	var out storage.Session
	req := sessionRequest{Session: session, ExpectedRevision: expectedRevision}
	if err := c.call(ctx, SubjectMutateSessionUpdate, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string, expectedRevision int64) error {
	req := sessionRequest{ID: sessionID, ExpectedRevision: expectedRevision}
	return c.call(ctx, SubjectMutateSessionDelete, req, nil)
}

func (c *Client) AppendMessage(ctx context.Context, msg storage.Message) (*storage.Message, error) {
	var out storage.Message
	if err := c.call(ctx, SubjectMutateMessageAppend, messageRequest{Message: msg}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) StartHarness(ctx context.Context, sessionID string) (*HarnessStatus, error) {
	var out HarnessStatus
	if err := c.call(ctx, SubjectMutateHarnessStart, harnessRequest{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendHarnessInput(ctx context.Context, sessionID, text string) error {
	return c.call(ctx, SubjectMutateHarnessInput, harnessRequest{SessionID: sessionID, Text: text}, nil)
}

func (c *Client) StopHarness(ctx context.Context, sessionID string) error {
	return c.call(ctx, SubjectMutateHarnessStop, harnessRequest{SessionID: sessionID}, nil)
}

func (c *Client) ListProjects(ctx context.Context) (*Snapshot, error) {
	var out Snapshot
	if err := c.call(ctx, SubjectQueryProjectList, queryRequest{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetProject(ctx context.Context, projectID string) (*Snapshot, error) {
	var out Snapshot
	if err := c.call(ctx, SubjectQueryProjectGet, queryRequest{ID: projectID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSessions(ctx context.Context, projectID string) (*Snapshot, error) {
	var out Snapshot
	if err := c.call(ctx, SubjectQuerySessionList, queryRequest{ProjectID: projectID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (*Snapshot, error) {
	var out Snapshot
	if err := c.call(ctx, SubjectQuerySessionGet, queryRequest{ID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, sessionID string) (*Snapshot, error) {
	var out Snapshot
	if err := c.call(ctx, SubjectQueryMessageList, queryRequest{SessionID: sessionID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
