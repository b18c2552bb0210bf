// Package config resolves, parses, validates, and defaults turtle configuration.
package config

import "time"

// Config is the fully materialized runtime configuration used by turtle.
type Config struct {
	IPC          IPCConfig
	Broadcast    BroadcastConfig
	KeepAlive    KeepAliveConfig
	Reconnect    ReconnectConfig
	Visible      VisibleConfig
	Repositories RepositoriesConfig
	Log          LogConfig
}

// IPCConfig controls channel naming and every transport bound.
type IPCConfig struct {
	// RuntimeDir holds the channel sockets. Empty selects the per-user default.
	RuntimeDir     string
	Prefix         string
	ClientTimeout  time.Duration
	HandlerBudget  time.Duration
	ProbeTimeout   time.Duration
	AcquireRetries int
}

// BroadcastConfig controls folder-update fan-out.
type BroadcastConfig struct {
	QueueSize int
}

// KeepAliveConfig controls client liveness pings.
type KeepAliveConfig struct {
	Interval time.Duration
}

// ReconnectConfig is the backoff policy clients use to re-subscribe after a daemon restart.
type ReconnectConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// VisibleConfig points the daemon at the host-written visible-folder file.
type VisibleConfig struct {
	File     string
	Debounce time.Duration
}

// RepositoriesConfig lists the repository roots the daemon answers for.
type RepositoriesConfig struct {
	Watched []string
}

// LogConfig controls the runtime log.
type LogConfig struct {
	Level string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
