package escrow

import (
	"sync"
)

// Store is the in-memory view of known escrows for the current wallet
// session. It is mutated only by gateway confirmations and reconciler
// events; UI code reads it through Get/ListByParty/Snapshot.
//
// The chain is authoritative: Reset discards everything on account
// switch or disconnect, and records are refreshed by re-query.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Get returns a copy of the record, or nil if the id is unknown.
func (s *Store) Get(id string) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[id]; ok {
		return r.Clone()
	}
	return nil
}

// Put inserts or replaces a record wholesale. Used when a fresh chain
// query supplies authoritative content.
func (s *Store) Put(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r.Clone()
}

// Apply moves the record with the given id to status, but only if the
// move is a legal forward transition. It returns the updated record and
// whether anything changed. Unknown ids apply nothing.
func (s *Store) Apply(id string, to Status, mutate func(*Record)) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	if to != r.Status && !CanTransition(r.Status, to) {
		return r.Clone(), false
	}
	changed := to != r.Status
	r.Status = to
	if mutate != nil {
		mutate(r)
		changed = true
	}
	return r.Clone(), changed
}

// Delete removes a record. Used to discard a pending intent whose
// submission conclusively failed.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// ListByParty returns copies of all records involving addr as client or
// freelancer.
func (s *Store) ListByParty(addr string) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.InvolvesParty(addr) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Snapshot returns copies of every record.
func (s *Store) Snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	return out
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Reset discards all cached records. Called on account switch and
// session disconnect.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
}
