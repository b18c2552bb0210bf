package client

import (
	"slices"
	"sync"

	"github.com/rbright/turtle/internal/protocol"
)

// FolderSet holds the most recent visible-folder set received from the daemon. Each
// update replaces the set wholesale; it may be stale between pushes.
type FolderSet struct {
	mu    sync.RWMutex
	seq   uint64
	paths map[string]struct{}
}

// Apply replaces the held set with update. It reports false for an update older than the
// one already applied, which can only happen across a daemon restart when sequence
// numbers start over; such updates are still applied.
func (s *FolderSet) Apply(update protocol.FolderUpdate) bool {
	paths := make(map[string]struct{}, len(update.Paths))
	for _, p := range update.Paths {
		paths[p] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inOrder := s.paths == nil || update.Seq > s.seq
	s.seq = update.Seq
	s.paths = paths
	return inOrder
}

// Seq returns the sequence number of the last applied update.
func (s *FolderSet) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Paths returns the held folders in sorted order.
func (s *FolderSet) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.paths))
	for p := range s.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Contains reports whether path is currently visible.
func (s *FolderSet) Contains(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paths[path]
	return ok
}
