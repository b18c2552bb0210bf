package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rbright/turtle/internal/protocol"
)

const (
	// DefaultPrefix is the well-known channel name prefix.
	DefaultPrefix = "turtle"

	defaultProbeTimeout = 180 * time.Millisecond
	defaultRetries      = 8

	// sun_path is 104 bytes on darwin and 108 on linux.
	maxSocketPath = 103
)

// Endpoint is a resolved channel: its logical name and the socket that serves it.
type Endpoint struct {
	Kind protocol.Kind
	Name string
	Path string
}

// Registry maps channel names to sockets inside one runtime directory. Both daemon and
// clients derive the same paths from Dir and Prefix without talking to each other.
type Registry struct {
	Dir    string
	Prefix string

	// ProbeTimeout bounds the liveness probe of an existing socket during Claim.
	ProbeTimeout time.Duration
	// Retries is the number of stale-socket recoveries Claim attempts.
	Retries int
}

// RuntimeDir returns the per-user directory that holds the channel sockets.
func RuntimeDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); xdg != "" {
		return filepath.Join(xdg, DefaultPrefix)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", DefaultPrefix, os.Getuid()))
}

// NewRegistry builds a registry rooted at dir. Empty values select the defaults.
func NewRegistry(dir, prefix string) Registry {
	if strings.TrimSpace(dir) == "" {
		dir = RuntimeDir()
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return Registry{
		Dir:          dir,
		Prefix:       prefix,
		ProbeTimeout: defaultProbeTimeout,
		Retries:      defaultRetries,
	}
}

// ChannelName is the session-unique name of the channel carrying kind.
func (r Registry) ChannelName(kind protocol.Kind) string {
	prefix := r.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + kind.String()
}

// Endpoint computes the endpoint for kind without touching the filesystem.
func (r Registry) Endpoint(kind protocol.Kind) Endpoint {
	name := r.ChannelName(kind)
	return Endpoint{
		Kind: kind,
		Name: name,
		Path: filepath.Join(r.Dir, name+".sock"),
	}
}

// Resolve looks up the endpoint for kind. It never creates anything; a missing socket
// yields ErrEndpointNotFound right away.
func (r Registry) Resolve(kind protocol.Kind) (Endpoint, error) {
	ep := r.Endpoint(kind)
	info, err := os.Stat(ep.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, ep.Name)
		}
		return Endpoint{}, fmt.Errorf("resolve %s: %w", ep.Name, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return Endpoint{}, fmt.Errorf("%w: %s is not a socket", ErrEndpointNotFound, ep.Path)
	}
	return ep, nil
}

// Claim creates the socket for kind and returns its listener. A socket answered by a live
// owner yields ErrNameInUse; a stale one is unlinked and the claim retried.
func (r Registry) Claim(ctx context.Context, kind protocol.Kind) (net.Listener, error) {
	ep := r.Endpoint(kind)
	if len(ep.Path) > maxSocketPath {
		return nil, fmt.Errorf("socket path for %s is too long (%d bytes): %s", ep.Name, len(ep.Path), ep.Path)
	}
	if err := os.MkdirAll(filepath.Dir(ep.Path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}

	probeTimeout := r.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	retries := max(r.Retries, 0)

	for attempt := 0; attempt <= retries; attempt++ {
		listener, err := net.Listen("unix", ep.Path)
		if err == nil {
			_ = os.Chmod(ep.Path, 0o600)
			// Closing the listener releases the name. The unlink happens before the fd
			// closes, so it can never remove a successor's socket.
			if ul, ok := listener.(*net.UnixListener); ok {
				ul.SetUnlinkOnClose(true)
			}
			return listener, nil
		}

		if !isAddrInUse(err) {
			return nil, fmt.Errorf("listen unix %s: %w", ep.Path, err)
		}

		alive, probeErr := probe(ctx, ep.Path, probeTimeout)
		if alive {
			return nil, fmt.Errorf("%w: %s", ErrNameInUse, ep.Name)
		}
		if probeErr != nil {
			return nil, fmt.Errorf("probe existing socket %s: %w", ep.Path, probeErr)
		}

		if removeErr := os.Remove(ep.Path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", ep.Path, removeErr)
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
			}
		}
	}

	return nil, fmt.Errorf("failed to claim %s after %d retries", ep.Name, retries)
}

// probe reports whether something is accepting connections on path.
func probe(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err == nil {
		_ = conn.Close()
		return true, nil
	}
	if isSocketMissing(err) || isConnectionRefused(err) {
		return false, nil
	}
	return false, err
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EADDRINUSE) || strings.Contains(err.Error(), "address already in use")
}
