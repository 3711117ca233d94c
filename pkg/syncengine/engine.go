// Package syncengine ties the service, the bus, and the cache into the one
// object a client embeds. An Engine is created once at application start
// and torn down once at exit; it is never re-initialized mid-run.
package syncengine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/odvcencio/greenroom/pkg/bus"
	"github.com/odvcencio/greenroom/pkg/cache"
	"github.com/odvcencio/greenroom/pkg/harness"
	"github.com/odvcencio/greenroom/pkg/logging"
	"github.com/odvcencio/greenroom/pkg/rpc"
	"github.com/odvcencio/greenroom/pkg/storage"
)

// Options configures an Engine.
type Options struct {
	// Store enables embedded mode: the engine owns an rpc.Service over
	// this store. Leave nil to attach to a daemon already serving the bus.
	Store *storage.Store

	// Bus carries calls and change notifications. Required.
	Bus bus.MessageBus

	// Registry supplies harness variants in embedded mode.
	Registry *harness.Registry

	// RequestTimeout bounds individual calls. Zero means the client default.
	RequestTimeout time.Duration

	Logger *logging.Logger
}

// Engine owns the service lifetime (embedded mode), the typed client, and
// the record cache. All change notifications funnel through one bus
// subscription into the cache; the client loop drains Poll once per tick.
type Engine struct {
	service *rpc.Service
	client  *rpc.Client
	cache   *cache.Cache
	bus     bus.MessageBus
	logger  *logging.Logger

	mu      sync.Mutex
	started bool
	sub     bus.Subscription
}

// New creates an Engine. It does nothing until Start.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	var service *rpc.Service
	if opts.Store != nil {
		service = rpc.NewService(opts.Store, opts.Bus, opts.Registry, logger)
	}

	client := rpc.NewClient(opts.Bus, opts.RequestTimeout)
	return &Engine{
		service: service,
		client:  client,
		cache:   cache.New(client, logger),
		bus:     opts.Bus,
		logger:  logger,
	}
}

// Start brings up the embedded service (when present) and begins feeding
// change notifications into the cache. Starting a started engine returns
// rpc.ErrAlreadyRunning.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return rpc.ErrAlreadyRunning
	}

	if e.service != nil {
		if err := e.service.Start(ctx); err != nil {
			return err
		}
	}

	sub, err := e.bus.Subscribe(ctx, rpc.SubjectChangeAll, func(msg *bus.Message) []byte {
		var ev storage.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			e.logger.Warn(logging.CategorySync, "change.decode", err.Error(), map[string]any{
				"subject": msg.Subject,
			})
			return nil
		}
		e.cache.Apply(ev)
		return nil
	})
	if err != nil {
		if e.service != nil {
			_ = e.service.Stop()
		}
		return err
	}

	e.sub = sub
	e.started = true
	return nil
}

// Stop tears the engine down. Safe to call once at process exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}

	_ = e.sub.Unsubscribe()
	e.sub = nil
	e.started = false

	if e.service != nil {
		return e.service.Stop()
	}
	return nil
}

// Client returns the typed caller for mutations.
func (e *Engine) Client() *rpc.Client {
	return e.client
}

// EnsureProjectsLoaded makes the project list resident.
func (e *Engine) EnsureProjectsLoaded(ctx context.Context) error {
	return e.cache.EnsureLoaded(ctx, cache.Shape{Collection: storage.CollectionProject})
}

// EnsureSessionsLoaded makes one project's session list resident.
func (e *Engine) EnsureSessionsLoaded(ctx context.Context, projectID string) error {
	return e.cache.EnsureLoaded(ctx, cache.Shape{Collection: storage.CollectionSession, ParentID: projectID})
}

// EnsureMessagesLoaded makes one session's message list resident.
func (e *Engine) EnsureMessagesLoaded(ctx context.Context, sessionID string) error {
	return e.cache.EnsureLoaded(ctx, cache.Shape{Collection: storage.CollectionMessage, ParentID: sessionID})
}

// ReleaseProjects drops the project list subscription and evicts what no
// other shape covers. Called when the client leaves the project view.
func (e *Engine) ReleaseProjects() {
	e.cache.Release(cache.Shape{Collection: storage.CollectionProject})
}

// ReleaseSessions drops one project's session list subscription.
func (e *Engine) ReleaseSessions(projectID string) {
	e.cache.Release(cache.Shape{Collection: storage.CollectionSession, ParentID: projectID})
}

// ReleaseMessages drops one session's message list subscription.
func (e *Engine) ReleaseMessages(sessionID string) {
	e.cache.Release(cache.Shape{Collection: storage.CollectionMessage, ParentID: sessionID})
}

// Poll drains the shapes with unseen changes. Called once per client tick;
// never from store or service paths.
func (e *Engine) Poll() []cache.Shape {
	return e.cache.Poll()
}

// Projects returns the resident project list.
func (e *Engine) Projects() []storage.Project {
	return e.cache.Projects()
}

// Sessions returns the resident sessions for a project, newest first.
func (e *Engine) Sessions(projectID string) []storage.Session {
	return e.cache.Sessions(projectID)
}

// Messages returns the resident messages for a session in append order.
func (e *Engine) Messages(sessionID string) []storage.Message {
	return e.cache.Messages(sessionID)
}
