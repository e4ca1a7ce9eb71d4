// Package relation implements the per-relation key/value exchange this
// unit shares with its peers. Each relation holds one bag of facts per
// writing unit; facts arrive asynchronously and a consumer must treat a
// missing key as "not yet ready" rather than as an error.
package relation

import (
	"sort"
	"sync"
)

// ID identifies a single established relation.
type ID int

// UnitID names a unit on either side of a relation, e.g. "mysql/0".
type UnitID string

// Store is the versioned relation data store. Writes bump a monotonic
// revision and wake any watcher; a writer only ever overwrites its own
// keys. All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	revision int64
	nextID   ID
	// relations[id][unit][key] = value
	relations map[ID]map[UnitID]map[string]string
	names     map[string]ID
	watchers  []chan struct{}
}

func NewStore() *Store {
	return &Store{
		relations: make(map[ID]map[UnitID]map[string]string),
		names:     make(map[string]ID),
	}
}

// Establish registers a relation under its endpoint name (e.g. "db",
// "ingress") and returns its ID. Establishing an already-known endpoint
// returns the existing ID.
func (s *Store) Establish(name string) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.names[name]; ok {
		return id
	}
	s.nextID++
	id := s.nextID
	s.names[name] = id
	s.relations[id] = make(map[UnitID]map[string]string)
	s.revision++
	s.notifyLocked()
	return id
}

// Lookup returns the ID of an established relation by endpoint name.
func (s *Store) Lookup(name string) (ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[name]
	return id, ok
}

// Write records value under key in unit's bag for the given relation,
// overwriting any prior value the same unit wrote for that key. Writing
// an unchanged value is a no-op: it bumps no revision and wakes no
// watcher, so republishing the same facts cannot supersede an in-flight
// apply.
func (s *Store) Write(id ID, unit UnitID, key, value string) {
	s.mu.Lock()
	rel, ok := s.relations[id]
	if !ok {
		rel = make(map[UnitID]map[string]string)
		s.relations[id] = rel
	}
	bag, ok := rel[unit]
	if !ok {
		bag = make(map[string]string)
		rel[unit] = bag
	}
	if prior, ok := bag[key]; ok && prior == value {
		s.mu.Unlock()
		return
	}
	bag[key] = value
	s.revision++
	s.notifyLocked()
	s.mu.Unlock()
}

// Read returns the value a peer unit wrote for key, and whether it is
// present at all.
func (s *Store) Read(id ID, unit UnitID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bag, ok := s.relations[id][unit]
	if !ok {
		return "", false
	}
	v, ok := bag[key]
	return v, ok
}

// Peers lists the units that have written data on the relation, sorted.
func (s *Store) Peers(id ID) []UnitID {
	s.mu.Lock()
	defer s.mu.Unlock()
	units := make([]UnitID, 0, len(s.relations[id]))
	for u := range s.relations[id] {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i] < units[j] })
	return units
}

// RemoveRelation drops the relation and every bag on it. Any derived
// view, such as database credentials, becomes absent as a whole.
func (s *Store) RemoveRelation(id ID) {
	s.mu.Lock()
	if _, ok := s.relations[id]; ok {
		delete(s.relations, id)
		for name, nid := range s.names {
			if nid == id {
				delete(s.names, name)
			}
		}
		s.revision++
		s.notifyLocked()
	}
	s.mu.Unlock()
}

// Revision returns the current store revision. The reconciler records the
// revision it snapshotted so a write landing during a blocking apply is
// detectable afterwards.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Watch returns a channel that receives a (coalesced) signal after every
// write or teardown. The channel has a one-element buffer; a watcher that
// lags sees a single wakeup covering all missed changes.
func (s *Store) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifyLocked() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
