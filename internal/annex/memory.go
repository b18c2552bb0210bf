// Package annex provides in-memory repository state for the daemon's business handlers.
package annex

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rbright/turtle/internal/protocol"
)

// Memory answers badge and command requests from a table of path states kept in memory.
// Only paths inside a watched repository are considered.
type Memory struct {
	mu      sync.RWMutex
	watched []string
	badges  map[string]protocol.BadgeState
}

// NewMemory builds handlers for the given watched repository roots.
func NewMemory(watched []string) *Memory {
	m := &Memory{badges: make(map[string]protocol.BadgeState)}
	m.SetWatched(watched)
	return m
}

// SetWatched replaces the watched repository roots.
func (m *Memory) SetWatched(roots []string) {
	cleaned := make([]string, 0, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		cleaned = append(cleaned, filepath.Clean(root))
	}
	slices.Sort(cleaned)
	cleaned = slices.Compact(cleaned)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched = cleaned
}

// Watched returns the watched repository roots.
func (m *Memory) Watched() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.watched)
}

// SetBadge records the state of path.
func (m *Memory) SetBadge(path string, state protocol.BadgeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.badges[filepath.Clean(path)] = state
}

func (m *Memory) HandlePing(context.Context) bool {
	return true
}

func (m *Memory) HandleCommandRequest(_ context.Context, req protocol.CommandRequest) (protocol.CommandReply, error) {
	path := filepath.Clean(req.Path)

	m.mu.Lock()
	defer m.mu.Unlock()

	repo, ok := m.repositoryFor(path)
	if !ok {
		return protocol.CommandReply{
			Outcome: protocol.OutcomeDenied,
			Detail:  fmt.Sprintf("%s is not inside a watched repository", path),
		}, nil
	}
	if !protocol.IsKnownAction(req.Action) {
		return protocol.CommandReply{
			Outcome: protocol.OutcomeUnknown,
			Detail:  fmt.Sprintf("unsupported action %q", req.Action),
		}, nil
	}

	if state, changes := actionResult(req.Action); changes {
		m.badges[path] = state
	}
	return protocol.CommandReply{
		Outcome: protocol.OutcomeAllowed,
		Detail:  fmt.Sprintf("git annex %s in %s", req.Action, repo),
	}, nil
}

func (m *Memory) HandleBadgeRequest(_ context.Context, req protocol.BadgeRequest) (protocol.BadgeReply, error) {
	path := filepath.Clean(req.Path)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.repositoryFor(path); !ok {
		return protocol.BadgeReply{Path: req.Path, State: protocol.BadgeUnknown}, nil
	}
	if state, ok := m.badges[path]; ok {
		return protocol.BadgeReply{Path: req.Path, State: state}, nil
	}
	return protocol.BadgeReply{Path: req.Path, State: m.folderState(path)}, nil
}

// repositoryFor returns the deepest watched root containing path.
func (m *Memory) repositoryFor(path string) (string, bool) {
	best := ""
	for _, root := range m.watched {
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator)) {
			if len(root) > len(best) {
				best = root
			}
		}
	}
	return best, best != ""
}

// folderState combines the recorded states below dir. A mix of present and absent
// content is partial; any in-progress or modified child wins over both.
func (m *Memory) folderState(dir string) protocol.BadgeState {
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)

	combined := protocol.BadgeUnknown
	for path, state := range m.badges {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		combined = combine(combined, state)
	}
	return combined
}

func combine(acc, next protocol.BadgeState) protocol.BadgeState {
	switch {
	case acc == protocol.BadgeUnknown:
		return next
	case next == protocol.BadgeUnknown:
		return acc
	case acc == protocol.BadgeInProgress || next == protocol.BadgeInProgress:
		return protocol.BadgeInProgress
	case acc == protocol.BadgeModified || next == protocol.BadgeModified:
		return protocol.BadgeModified
	case acc == next:
		return acc
	default:
		return protocol.BadgePartial
	}
}

// actionResult is the badge a path ends up with after a successful action.
func actionResult(action string) (protocol.BadgeState, bool) {
	switch action {
	case protocol.ActionGet, protocol.ActionAdd, protocol.ActionLock, protocol.ActionCommit:
		return protocol.BadgeUpToDate, true
	case protocol.ActionDrop:
		return protocol.BadgeAbsent, true
	case protocol.ActionUnlock:
		return protocol.BadgeModified, true
	default:
		return protocol.BadgeUnknown, false
	}
}
