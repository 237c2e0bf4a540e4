package watchlist

import (
	"context"
	"sync"
)

// Membership Set — hot-path address pre-screen
//
// Exact in-memory mirror of every active watched address. The intake path
// checks each broadcast transaction against it before touching the store.
//
// Performance: O(1) lookup using a map-based set.
// Concurrency: sync.RWMutex allows concurrent reads on the hot path while
// writes (address registration and removal) are serialized.
//
// A false negative here would silently drop activity, so the control surface
// updates the set before acknowledging any address change. A stale positive
// only costs one store lookup downstream.

// Source streams the active address population for the initial load.
type Source interface {
	ActiveAddressList(ctx context.Context) ([]string, error)
}

// Set is the concurrent-safe membership set.
type Set struct {
	mu    sync.RWMutex
	addrs map[string]struct{}
}

// New creates an empty membership set.
func New() *Set {
	return &Set{addrs: make(map[string]struct{})}
}

// LoadFromStore replaces the set's contents with the store's active
// addresses in one pass.
func (s *Set) LoadFromStore(ctx context.Context, src Source) error {
	addrs, err := src.ActiveAddressList(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		next[a] = struct{}{}
	}

	s.mu.Lock()
	s.addrs = next
	s.mu.Unlock()
	return nil
}

// Add registers a single address.
func (s *Set) Add(addr string) {
	s.mu.Lock()
	s.addrs[addr] = struct{}{}
	s.mu.Unlock()
}

// AddMany registers a batch of addresses under one lock acquisition.
func (s *Set) AddMany(addrs []string) {
	s.mu.Lock()
	for _, a := range addrs {
		s.addrs[a] = struct{}{}
	}
	s.mu.Unlock()
}

// Remove drops an address from the set.
func (s *Set) Remove(addr string) {
	s.mu.Lock()
	delete(s.addrs, addr)
	s.mu.Unlock()
}

// Contains checks membership (O(1)).
func (s *Set) Contains(addr string) bool {
	s.mu.RLock()
	_, ok := s.addrs[addr]
	s.mu.RUnlock()
	return ok
}

// Filter returns the subset of candidates present in the set, preserving
// input order.
func (s *Set) Filter(candidates []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []string
	for _, a := range candidates {
		if _, ok := s.addrs[a]; ok {
			matched = append(matched, a)
		}
	}
	return matched
}

// Size returns the number of watched addresses.
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.addrs)
}
