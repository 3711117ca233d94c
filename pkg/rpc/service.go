// Package rpc exposes the store over the message bus: mutation and query
// endpoints plus a change notification channel. Every committed mutation
// publishes its ChangeEvent on greenroom.change.<collection> before the
// mutating call is acknowledged; delivery to the caller's own cache remains
// eventual, the guarantee is publish-before-ack, nothing more.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/greenroom/pkg/bus"
	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/logging"
	"github.com/odvcencio/greenroom/pkg/storage"
	"github.com/odvcencio/greenroom/pkg/translator"
)

// ErrAlreadyRunning is returned by Start on a service that is running.
var ErrAlreadyRunning = errors.New("rpc: service already running")

// Service binds the store, the harness registry, and the translator to bus
// subjects. It is restartable: Stop tears down subscriptions, observers,
// and live harnesses without leaking the store handle.
type Service struct {
	store      *storage.Store
	bus        bus.MessageBus
	registry   *harness.Registry
	translator *translator.Translator
	logger     *logging.Logger

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	group          *errgroup.Group
	subs           []bus.Subscription
	removeObserver func()

	liveMu sync.Mutex
	live   map[string]*harness.Session // keyed by domain session id
}

// NewService creates a Service. A nil logger falls back to a discard logger.
func NewService(store *storage.Store, b bus.MessageBus, registry *harness.Registry, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:      store,
		bus:        b,
		registry:   registry,
		translator: translator.New(store, logger),
		logger:     logger,
		live:       make(map[string]*harness.Session),
	}
}

// Start subscribes all endpoints and begins publishing change events.
// A second Start without an intervening Stop returns ErrAlreadyRunning.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	endpoints := map[string]func(json.RawMessage) []byte{
		SubjectMutateProjectCreate: s.handleProjectCreate,
		SubjectMutateProjectUpdate: s.handleProjectUpdate,
		SubjectMutateProjectDelete: s.handleProjectDelete,
		SubjectMutateSessionCreate: s.handleSessionCreate,
		SubjectMutateSessionUpdate: s.handleSessionUpdate,
		SubjectMutateSessionDelete: s.handleSessionDelete,
		SubjectMutateMessageAppend: s.handleMessageAppend,
		SubjectMutateHarnessStart:  func(req json.RawMessage) []byte { return s.handleHarnessStart(groupCtx, group, req) },
		SubjectMutateHarnessInput:  s.handleHarnessInput,
		SubjectMutateHarnessStop:   s.handleHarnessStop,
		SubjectQueryProjectList:    s.handleProjectList,
		SubjectQueryProjectGet:     s.handleProjectGet,
		SubjectQuerySessionList:    s.handleSessionList,
		SubjectQuerySessionGet:     s.handleSessionGet,
		SubjectQueryMessageList:    s.handleMessageList,
	}

	var subs []bus.Subscription
	for subject, handler := range endpoints {
		handler := handler
		sub, err := s.bus.Subscribe(runCtx, subject, func(msg *bus.Message) []byte {
			return handler(msg.Data)
		})
		if err != nil {
			for _, established := range subs {
				_ = established.Unsubscribe()
			}
			cancel()
			return err
		}
		subs = append(subs, sub)
	}

	// The observer runs on the mutating goroutine with the store's emit
	// lock held, so the change event is on the bus before the mutation
	// handler builds its reply.
	removeObserver := s.store.AddObserver(storage.ObserverFunc(s.publishChange))

	group.Go(func() error {
		<-groupCtx.Done()
		s.stopAllHarnesses()
		return nil
	})

	s.running = true
	s.cancel = cancel
	s.group = group
	s.subs = subs
	s.removeObserver = removeObserver

	s.logger.Info(logging.CategoryRPC, "service.start", "rpc service listening", map[string]any{
		"endpoints": len(endpoints),
	})
	return nil
}

// Stop tears the service down and waits for live harness pipelines to
// finish. The service can be started again afterwards.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.removeObserver()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.cancel()
	err := s.group.Wait()

	s.running = false
	s.cancel = nil
	s.group = nil
	s.subs = nil
	s.removeObserver = nil

	s.logger.Info(logging.CategoryRPC, "service.stop", "rpc service stopped", nil)
	return err
}

func (s *Service) publishChange(ev storage.ChangeEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(logging.CategoryRPC, "change.encode", err.Error(), map[string]any{
			"collection": ev.Collection,
			"seq":        ev.Seq,
		})
		return
	}
	if err := s.bus.Publish(context.Background(), SubjectChange(ev.Collection), data); err != nil {
		s.logger.Error(logging.CategoryRPC, "change.publish", err.Error(), map[string]any{
			"collection": ev.Collection,
			"seq":        ev.Seq,
		})
	}
}

func (s *Service) liveSession(sessionID string) (*harness.Session, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	hs, ok := s.live[sessionID]
	return hs, ok
}

func (s *Service) trackSession(sessionID string, hs *harness.Session) {
	s.liveMu.Lock()
	s.live[sessionID] = hs
	s.liveMu.Unlock()
}

func (s *Service) untrackSession(sessionID string, hs *harness.Session) {
	s.liveMu.Lock()
	if s.live[sessionID] == hs {
		delete(s.live, sessionID)
	}
	s.liveMu.Unlock()
}

func (s *Service) stopAllHarnesses() {
	s.liveMu.Lock()
	sessions := make([]*harness.Session, 0, len(s.live))
	for _, hs := range s.live {
		sessions = append(sessions, hs)
	}
	s.liveMu.Unlock()

	for _, hs := range sessions {
		_ = hs.Stop()
	}
	for _, hs := range sessions {
		<-hs.Done()
	}
}
