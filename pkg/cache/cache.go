// Package cache keeps the client-side mirror of store records. It is fed
// change events by the sync engine, hands out immutable snapshots to the
// GUI, and tracks which subscriptions have unseen changes so the client
// redraws only what moved.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/odvcencio/greenroom/pkg/logging"
	"github.com/odvcencio/greenroom/pkg/rpc"
	"github.com/odvcencio/greenroom/pkg/storage"
)

// Shape identifies one subscribed slice of the data model: a whole
// collection, one record, or a parent-scoped list.
type Shape struct {
	Collection string
	ID         string // exact record, empty for lists
	ParentID   string // scope for lists (sessions by project, messages by session)
}

func (s Shape) key() string {
	return s.Collection + "\x00" + s.ID + "\x00" + s.ParentID
}

// Covers reports whether a record identified by (id, parentID) belongs to
// this shape.
func (s Shape) Covers(id, parentID string) bool {
	if s.ID != "" {
		return s.ID == id
	}
	if s.ParentID != "" {
		return s.ParentID == parentID
	}
	return true
}

// Querier is the snapshot-loading side of the RPC client.
type Querier interface {
	ListProjects(ctx context.Context) (*rpc.Snapshot, error)
	ListSessions(ctx context.Context, projectID string) (*rpc.Snapshot, error)
	ListMessages(ctx context.Context, sessionID string) (*rpc.Snapshot, error)
}

type entry struct {
	record   any
	revision int64
	parentID string
}

type subscription struct {
	shape   Shape
	cursor  uint64
	pending bool
}

// Cache is safe for concurrent use. One mutex guards entries and
// subscriptions together so Poll never observes a torn update.
type Cache struct {
	querier Querier
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[string]map[string]entry // collection -> record id
	subs    map[string]*subscription
}

// New creates an empty cache. A nil logger falls back to a discard logger.
func New(querier Querier, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Cache{
		querier: querier,
		logger:  logger,
		entries: make(map[string]map[string]entry),
		subs:    make(map[string]*subscription),
	}
}

// EnsureLoaded makes the shape resident: a no-op when a live subscription
// already covers it, otherwise one snapshot query installs the records and
// a subscription whose cursor is the snapshot sequence.
func (c *Cache) EnsureLoaded(ctx context.Context, shape Shape) error {
	c.mu.Lock()
	if _, ok := c.subs[shape.key()]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	snap, err := c.load(ctx, shape)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Lost the race to another EnsureLoaded for the same shape.
	if _, ok := c.subs[shape.key()]; ok {
		return nil
	}

	c.installSnapshot(shape, snap)
	c.subs[shape.key()] = &subscription{shape: shape, cursor: snap.Seq}
	return nil
}

func (c *Cache) load(ctx context.Context, shape Shape) (*rpc.Snapshot, error) {
	switch shape.Collection {
	case storage.CollectionProject:
		return c.querier.ListProjects(ctx)
	case storage.CollectionSession:
		if shape.ParentID == "" {
			return nil, fmt.Errorf("cache: session shape requires a project scope")
		}
		return c.querier.ListSessions(ctx, shape.ParentID)
	case storage.CollectionMessage:
		if shape.ParentID == "" {
			return nil, fmt.Errorf("cache: message shape requires a session scope")
		}
		return c.querier.ListMessages(ctx, shape.ParentID)
	default:
		return nil, fmt.Errorf("cache: unknown collection %q", shape.Collection)
	}
}

func (c *Cache) installSnapshot(shape Shape, snap *rpc.Snapshot) {
	byID := c.entries[shape.Collection]
	if byID == nil {
		byID = make(map[string]entry)
		c.entries[shape.Collection] = byID
	}

	upsert := func(id string, revision int64, parentID string, record any) {
		if existing, ok := byID[id]; ok && existing.revision >= revision {
			// A change event got here first; the snapshot copy is older.
			return
		}
		byID[id] = entry{record: record, revision: revision, parentID: parentID}
	}

	for _, p := range snap.Projects {
		upsert(p.ID, p.Revision, "", p)
	}
	for _, s := range snap.Sessions {
		upsert(s.ID, s.Revision, s.ProjectID, s)
	}
	for _, m := range snap.Messages {
		upsert(m.ID, m.Revision, m.SessionID, m)
	}
}

// Release removes the shape's subscription and evicts records no remaining
// subscription covers. EnsureLoaded on a live shape is a no-op rather than a
// reference, so one Release tears the shape down no matter how many times
// the client loop re-ensured it.
func (c *Cache) Release(shape Shape) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[shape.key()]; !ok {
		return
	}
	delete(c.subs, shape.key())
	c.evictUncovered(shape.Collection)
}

func (c *Cache) evictUncovered(collection string) {
	byID := c.entries[collection]
	for id, e := range byID {
		covered := false
		for _, sub := range c.subs {
			if sub.shape.Collection == collection && sub.shape.Covers(id, e.parentID) {
				covered = true
				break
			}
		}
		if !covered {
			delete(byID, id)
		}
	}
}

// Apply folds one committed change into the cache. Events for records no
// subscription covers are ignored; events older than the resident entry
// (snapshot replay) are discarded. A record that fails to decode leaves the
// previous entry untouched.
func (c *Cache) Apply(ev storage.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Deletion events carry no record; if the parent id is missing too,
	// match scoped subscriptions against the resident entry's parent.
	parentID := ev.ParentID
	if ev.Kind == storage.ChangeDeleted && parentID == "" {
		if e, ok := c.entries[ev.Collection][ev.ID]; ok {
			parentID = e.parentID
		}
	}

	interested := false
	for _, sub := range c.subs {
		if sub.shape.Collection != ev.Collection || !sub.shape.Covers(ev.ID, parentID) {
			continue
		}
		if ev.Seq <= sub.cursor {
			// Already reflected in this subscription's snapshot.
			continue
		}
		sub.cursor = ev.Seq
		sub.pending = true
		interested = true
	}
	if !interested {
		return
	}

	byID := c.entries[ev.Collection]
	if byID == nil {
		byID = make(map[string]entry)
		c.entries[ev.Collection] = byID
	}

	if ev.Kind == storage.ChangeDeleted {
		delete(byID, ev.ID)
		return
	}

	if existing, ok := byID[ev.ID]; ok && existing.revision >= ev.Revision {
		return
	}

	record, err := decodeRecord(ev.Collection, ev.Record)
	if err != nil {
		c.logger.Error(logging.CategoryCache, "apply.decode", err.Error(), map[string]any{
			"collection": ev.Collection,
			"id":         ev.ID,
			"seq":        ev.Seq,
		})
		return
	}
	byID[ev.ID] = entry{record: record, revision: ev.Revision, parentID: ev.ParentID}
}

// decodeRecord normalizes a change event's record payload, which arrives as
// a typed struct in-process and as generic JSON off the bus.
func decodeRecord(collection string, raw any) (any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", collection, err)
	}
	switch collection {
	case storage.CollectionProject:
		var p storage.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode project record: %w", err)
		}
		return p, nil
	case storage.CollectionSession:
		var s storage.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		return s, nil
	case storage.CollectionMessage:
		var m storage.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode message record: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
}

// Poll drains the shapes with unseen changes since the last call. It never
// blocks and returns nil when nothing moved. This is the sole re-entry
// point for the client loop; nothing in the cache calls back into it.
func (c *Cache) Poll() []Shape {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dirty []Shape
	for _, sub := range c.subs {
		if sub.pending {
			sub.pending = false
			dirty = append(dirty, sub.shape)
		}
	}
	return dirty
}

// Projects returns the resident projects sorted by name then id.
func (c *Cache) Projects() []storage.Project {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []storage.Project
	for _, e := range c.entries[storage.CollectionProject] {
		if p, ok := e.record.(storage.Project); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sessions returns the resident sessions for one project, newest first.
func (c *Cache) Sessions(projectID string) []storage.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []storage.Session
	for _, e := range c.entries[storage.CollectionSession] {
		s, ok := e.record.(storage.Session)
		if ok && s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns the resident messages for one session in append order.
func (c *Cache) Messages(sessionID string) []storage.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []storage.Message
	for _, e := range c.entries[storage.CollectionMessage] {
		m, ok := e.record.(storage.Message)
		if ok && m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one resident record.
func (c *Cache) Get(collection, id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[collection][id]
	if !ok {
		return nil, false
	}
	return e.record, true
}
