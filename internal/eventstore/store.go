// Package eventstore implements the append-only bounded FIFO event log with
// fan-out subscription described in §4.2 (component B).
package eventstore

import (
	"log"
	"sync"

	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

// DefaultCapacity is the default bound N from §4.2.
const DefaultCapacity = 100_000

// Listener receives events in the same order Append/AppendMany is called.
// A listener that panics must not block delivery to other listeners — the
// store recovers from it and logs, mirroring the donor's rule that no
// subscriber can take down the fan-out path.
type Listener func(event telemetry.Envelope)

// Store is a bounded, append-only, fan-out event log. The zero value is not
// usable; construct with New.
type Store struct {
	mu        sync.RWMutex
	capacity  int
	events    []telemetry.Envelope
	seen      map[string]struct{} // dedup key: machineId + "\x00" + id
	listeners map[int]Listener
	nextID    int
}

// New creates a Store with the given capacity. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:  capacity,
		seen:      make(map[string]struct{}),
		listeners: make(map[int]Listener),
	}
}

func dedupKey(e telemetry.Envelope) string {
	return e.MachineID + "\x00" + e.ID
}

// Append stores event if its (machineId, id) pair hasn't been seen before,
// evicts oldest entries in bulk if capacity is exceeded, and broadcasts to
// subscribers. Returns the stored (frozen) envelope and whether it was a new
// append (false if it was a duplicate, in which case no broadcast happens).
func (s *Store) Append(event telemetry.Envelope) (telemetry.Envelope, bool) {
	return s.appendOne(event)
}

// AppendMany appends all events in order, then broadcasts each of the newly
// appended ones in order — satisfying "append all, then broadcast in order".
func (s *Store) AppendMany(events []telemetry.Envelope) {
	type pending struct {
		event telemetry.Envelope
		isNew bool
	}
	results := make([]pending, 0, len(events))

	s.mu.Lock()
	for _, e := range events {
		key := dedupKey(e)
		if _, dup := s.seen[key]; dup {
			results = append(results, pending{event: e, isNew: false})
			continue
		}
		s.seen[key] = struct{}{}
		s.events = append(s.events, e)
		s.evictLocked()
		results = append(results, pending{event: e, isNew: true})
	}
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	for _, p := range results {
		if p.isNew {
			s.broadcast(listeners, p.event)
		}
	}
}

func (s *Store) appendOne(event telemetry.Envelope) (telemetry.Envelope, bool) {
	key := dedupKey(event)

	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return event, false
	}
	s.seen[key] = struct{}{}
	s.events = append(s.events, event)
	s.evictLocked()
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	s.broadcast(listeners, event)
	return event, true
}

// evictLocked drops the oldest entries in bulk once capacity is exceeded.
// Must be called with s.mu held for writing.
//
// TODO: whether to emit a store.evicted telemetry event on eviction is an
// open question the spec leaves unresolved (§9); left unimplemented.
func (s *Store) evictLocked() {
	if len(s.events) <= s.capacity {
		return
	}
	overflow := len(s.events) - s.capacity
	for _, e := range s.events[:overflow] {
		delete(s.seen, dedupKey(e))
	}
	s.events = append([]telemetry.Envelope(nil), s.events[overflow:]...)
}

func (s *Store) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func (s *Store) broadcast(listeners []Listener, event telemetry.Envelope) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[eventstore] listener panic recovered: %v", r)
				}
			}()
			l(event)
		}()
	}
}

// Subscribe registers listener and returns a token usable with Unsubscribe.
func (s *Store) Subscribe(listener Listener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	return id
}

// Unsubscribe removes a previously registered listener.
func (s *Store) Unsubscribe(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, token)
}

// Since returns all retained events with an id that sorts strictly after
// lastEventID in append order, used to serve SSE resume (§4.4). If
// lastEventID is empty, the full retained history is returned. ok is false
// when lastEventID is non-empty but no longer present in the retained
// window (the caller must tell the client to refetch /snapshot).
func (s *Store) Since(lastEventID string) (events []telemetry.Envelope, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lastEventID == "" {
		out := make([]telemetry.Envelope, len(s.events))
		copy(out, s.events)
		return out, true
	}

	idx := -1
	for i, e := range s.events {
		if e.ID == lastEventID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, false
	}
	out := make([]telemetry.Envelope, len(s.events)-idx-1)
	copy(out, s.events[idx+1:])
	return out, true
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
