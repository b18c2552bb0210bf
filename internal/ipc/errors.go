// Package ipc implements turtle's local transport: named unix-socket channels, framed
// request/reply calls, and a push-only broadcast hub.
package ipc

import (
	"errors"
	"net"
	"os"
	"syscall"
)

var (
	// ErrNameInUse means another live process owns the channel.
	ErrNameInUse = errors.New("channel name already in use")
	// ErrEndpointNotFound means no daemon is serving the channel right now.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrTimeout means the remote side did not answer within the call bound.
	ErrTimeout = errors.New("timed out waiting for reply")
	// ErrConnectionLost means the connection was severed; re-resolve before retrying.
	ErrConnectionLost = errors.New("connection lost")
	// ErrClosed is returned after the local side closed the connection.
	ErrClosed = errors.New("connection closed")
)

// isSocketMissing reports absent-socket failures.
func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist)
}

// isConnectionRefused reports no-listener failures.
func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
