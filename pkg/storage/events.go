package storage

import "time"

// Collection tags for the record types the sync core reasons about.
const (
	CollectionProject = "project"
	CollectionSession = "session"
	CollectionMessage = "message"
)

// ChangeKind describes what happened to a record.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent describes one committed record mutation. Events are delivered
// in commit order, exactly once per mutation. Revision is the resulting
// revision, zero for deletions.
type ChangeEvent struct {
	Seq        uint64     `json:"seq"`
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Kind       ChangeKind `json:"kind"`
	Revision   int64      `json:"revision,omitempty"`
	ParentID   string     `json:"parentId,omitempty"`
	Record     any        `json:"record,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Observer reacts to committed store mutations. HandleChange is invoked on
// the mutating goroutine with the store's emit lock held; implementations
// must hand off quickly and never call back into the store.
type Observer interface {
	HandleChange(ChangeEvent)
}

// ObserverFunc is a helper to turn a function into an Observer.
type ObserverFunc func(ChangeEvent)

// HandleChange implements the Observer interface.
func (f ObserverFunc) HandleChange(e ChangeEvent) {
	f(e)
}

// newChange builds a ChangeEvent; the store fills Seq under its emit lock.
func newChange(kind ChangeKind, collection, id, parentID string, revision int64, record any) ChangeEvent {
	return ChangeEvent{
		Collection: collection,
		ID:         id,
		Kind:       kind,
		Revision:   revision,
		ParentID:   parentID,
		Record:     record,
		Timestamp:  time.Now(),
	}
}

// emit assigns the commit sequence and fans the event out. Callers hold
// emitMu for the span covering their SQL commit so ordering holds.
func (s *Store) emit(event ChangeEvent) {
	s.nextSeq++
	event.Seq = s.nextSeq
	s.notify(event)
}

// LastSeq returns the sequence of the most recently emitted ChangeEvent.
// Query snapshots are stamped with it so the cache can discard change
// deliveries that the snapshot already includes.
func (s *Store) LastSeq() uint64 {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.nextSeq
}
