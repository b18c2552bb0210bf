package config

import "time"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		IPC: IPCConfig{
			RuntimeDir:     "",
			Prefix:         "turtle",
			ClientTimeout:  2 * time.Second,
			HandlerBudget:  2 * time.Second,
			ProbeTimeout:   180 * time.Millisecond,
			AcquireRetries: 8,
		},
		Broadcast: BroadcastConfig{QueueSize: 64},
		KeepAlive: KeepAliveConfig{Interval: 5 * time.Second},
		Reconnect: ReconnectConfig{
			Initial: 250 * time.Millisecond,
			Max:     10 * time.Second,
		},
		Visible: VisibleConfig{
			File:     "",
			Debounce: 50 * time.Millisecond,
		},
		Repositories: RepositoriesConfig{Watched: nil},
		Log:          LogConfig{Level: "info"},
	}
}
