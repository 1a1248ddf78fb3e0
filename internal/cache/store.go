package cache

import (
	"sync"

	"github.com/zclconf/go-cty/cty"
)

// Entry is one node's memoized result: the outputs it produced and the
// content hash of the inputs that produced them.
type Entry struct {
	Hash    string
	Outputs map[string]cty.Value
}

// Store is an in-memory, engine-lifetime cache of node results. It uses
// sync.Map because the executor writes entries from many workers at once
// while keys are independent; entries are never part of the persisted
// project format.
type Store struct {
	entries sync.Map // node ID -> Entry
}

// NewStore creates an empty cache store.
func NewStore() *Store {
	return &Store{}
}

// Lookup returns the cached entry for a node, if any.
func (s *Store) Lookup(nodeID string) (Entry, bool) {
	v, ok := s.entries.Load(nodeID)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Commit records a node's result under its fresh content hash, replacing
// any previous entry.
func (s *Store) Commit(nodeID string, e Entry) {
	s.entries.Store(nodeID, e)
}

// Forget drops a node's entry, used when the node is removed from the graph.
func (s *Store) Forget(nodeID string) {
	s.entries.Delete(nodeID)
}

// Reset drops every entry, used when a new graph replaces the current one.
func (s *Store) Reset() {
	s.entries.Range(func(key, _ any) bool {
		s.entries.Delete(key)
		return true
	})
}
