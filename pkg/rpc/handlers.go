package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/logging"
	"github.com/odvcencio/greenroom/pkg/storage"
)

// storeErrResponse maps store sentinels to wire error codes.
func storeErrResponse(err error) []byte {
	switch {
	case errors.Is(err, storage.ErrConflict):
		return errResponse(CodeConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return errResponse(CodeNotFound, err.Error())
	case errors.Is(err, storage.ErrStoreClosed):
		return errResponse(CodeUnavailable, err.Error())
	default:
		return errResponse(CodeInternal, err.Error())
	}
}

func decodeRequest(data json.RawMessage, into any) []byte {
	if err := json.Unmarshal(data, into); err != nil {
		return errResponse(CodeInvalid, "decode request: "+err.Error())
	}
	return nil
}

func (s *Service) handleProjectCreate(data json.RawMessage) []byte {
	var req projectRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	project := req.Project
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if err := s.store.CreateProject(&project); err != nil {
		return storeErrResponse(err)
	}
	return okResponse(project)
}

func (s *Service) handleProjectUpdate(data json.RawMessage) []byte {
	var req projectRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	project := req.Project
	if err := s.store.UpdateProject(&project, req.ExpectedRevision); err != nil {
		return storeErrResponse(err)
	}
	return okResponse(project)
}

func (s *Service) handleProjectDelete(data json.RawMessage) []byte {
	var req projectRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	if err := s.store.DeleteProject(req.ID, req.ExpectedRevision); err != nil {
		return storeErrResponse(err)
	}
	return okResponse(struct{}{})
}

func (s *Service) handleSessionCreate(data json.RawMessage) []byte {
	var req sessionRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	session := req.Session
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if err := s.store.CreateSession(&session); err != nil {
		return storeErrResponse(err)
	}
	return okResponse(session)
}

func (s *Service) handleSessionUpdate(data json.RawMessage) []byte {
	var req sessionRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	session := req.Session
	if err := s.store.UpdateSession(&session, req.ExpectedRevision); err != nil {
		return storeErrResponse(err)
	}
	return okResponse(session)
}

func (s *Service) handleSessionDelete(data json.RawMessage) []byte {
	var req sessionRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	if hs, ok := s.liveSession(req.ID); ok {
		_ = hs.Stop()
	}
	if err := s.store.DeleteSession(req.ID, req.ExpectedRevision); err != nil {
		return storeErrResponse(err)
	}
	return okResponse(struct{}{})
}

func (s *Service) handleMessageAppend(data json.RawMessage) []byte {
	var req messageRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	msg := req.Message
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := s.store.AppendMessage(&msg); err != nil {
		return storeErrResponse(err)
	}
	return okResponse(msg)
}

func (s *Service) handleHarnessStart(ctx context.Context, group *errgroup.Group, data json.RawMessage) []byte {
	var req harnessRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	if ctx.Err() != nil {
		return errResponse(CodeUnavailable, "service shutting down")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return errResponse(CodeInvalid, "sessionId is required")
	}
	if _, ok := s.liveSession(req.SessionID); ok {
		return errResponse(CodeConflict, "session already has a live harness")
	}

	session, err := s.store.GetSession(req.SessionID)
	if err != nil {
		return storeErrResponse(err)
	}
	project, err := s.store.GetProject(session.ProjectID)
	if err != nil {
		return storeErrResponse(err)
	}

	kind := session.HarnessKind
	if kind == "" {
		kind = harness.KindOpencode
	}
	variant, err := s.registry.Get(kind)
	if err != nil {
		return errResponse(CodeInvalid, err.Error())
	}

	hs, err := variant.Start(ctx, harness.Config{
		SessionID: session.ID,
		Dir:       project.Dir,
		Title:     session.Title,
	})
	if err != nil {
		var launchErr *harness.LaunchError
		if errors.As(err, &launchErr) {
			return errResponse(CodeLaunchFailed, launchErr.Error())
		}
		return errResponse(CodeInternal, err.Error())
	}

	s.trackSession(session.ID, hs)
	if err := s.store.SetSessionStatus(session.ID, storage.SessionStatusRunning); err != nil {
		s.logger.Error(logging.CategoryRPC, "harness.status", err.Error(), map[string]any{
			"sessionId": session.ID,
		})
	}

	group.Go(func() error {
		defer s.untrackSession(session.ID, hs)
		if err := s.translator.Run(ctx, hs); err != nil {
			s.logger.Error(logging.CategoryRPC, "harness.translate", err.Error(), map[string]any{
				"sessionId": session.ID,
				"harnessId": hs.ID,
			})
		}
		return nil
	})

	return okResponse(HarnessStatus{
		HarnessID: hs.ID,
		SessionID: session.ID,
		State:     hs.State().String(),
	})
}

func (s *Service) handleHarnessInput(data json.RawMessage) []byte {
	var req harnessRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	hs, ok := s.liveSession(req.SessionID)
	if !ok {
		return errResponse(CodeNotRunning, harness.ErrNotRunning.Error())
	}
	if err := hs.SendInput(harness.Input{Text: req.Text}); err != nil {
		if errors.Is(err, harness.ErrNotRunning) {
			return errResponse(CodeNotRunning, err.Error())
		}
		return errResponse(CodeInternal, err.Error())
	}
	return okResponse(struct{}{})
}

func (s *Service) handleHarnessStop(data json.RawMessage) []byte {
	var req harnessRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	hs, ok := s.liveSession(req.SessionID)
	if !ok {
		return errResponse(CodeNotRunning, harness.ErrNotRunning.Error())
	}
	_ = hs.Stop()
	return okResponse(struct{}{})
}

// Queries capture the store sequence before the read: events between the
// capture and the read are re-delivered to the cache, which discards them
// by revision. Losing an event would be worse than replaying one.

func (s *Service) handleProjectList(data json.RawMessage) []byte {
	seq := s.store.LastSeq()
	projects, err := s.store.ListProjects()
	if err != nil {
		return storeErrResponse(err)
	}
	return okResponse(Snapshot{Seq: seq, Projects: projects})
}

func (s *Service) handleProjectGet(data json.RawMessage) []byte {
	var req queryRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	seq := s.store.LastSeq()
	project, err := s.store.GetProject(req.ID)
	if err != nil {
		return storeErrResponse(err)
	}
	return okResponse(Snapshot{Seq: seq, Projects: []storage.Project{*project}})
}

func (s *Service) handleSessionList(data json.RawMessage) []byte {
	var req queryRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	seq := s.store.LastSeq()
	sessions, err := s.store.ListSessionsByProject(req.ProjectID)
	if err != nil {
		return storeErrResponse(err)
	}
	return okResponse(Snapshot{Seq: seq, Sessions: sessions})
}

func (s *Service) handleSessionGet(data json.RawMessage) []byte {
	var req queryRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	seq := s.store.LastSeq()
	session, err := s.store.GetSession(req.ID)
	if err != nil {
		return storeErrResponse(err)
	}
	return okResponse(Snapshot{Seq: seq, Sessions: []storage.Session{*session}})
}

func (s *Service) handleMessageList(data json.RawMessage) []byte {
	var req queryRequest
	if resp := decodeRequest(data, &req); resp != nil {
		return resp
	}
	seq := s.store.LastSeq()
	messages, err := s.store.ListMessagesBySession(req.SessionID)
	if err != nil {
		return storeErrResponse(err)
	}
	return okResponse(Snapshot{Seq: seq, Messages: messages})
}
