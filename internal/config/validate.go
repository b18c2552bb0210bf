package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

var logLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	prefix := strings.TrimSpace(cfg.IPC.Prefix)
	if prefix == "" {
		return nil, fmt.Errorf("ipc.prefix must not be empty")
	}
	if strings.ContainsAny(prefix, `/\`) {
		return nil, fmt.Errorf("ipc.prefix must not contain path separators")
	}
	if cfg.IPC.RuntimeDir != "" && !filepath.IsAbs(cfg.IPC.RuntimeDir) {
		return nil, fmt.Errorf("ipc.runtime_dir must be an absolute path")
	}
	if cfg.IPC.ClientTimeout <= 0 {
		return nil, fmt.Errorf("ipc.client_timeout_ms must be > 0")
	}
	if cfg.IPC.HandlerBudget <= 0 {
		return nil, fmt.Errorf("ipc.handler_budget_ms must be > 0")
	}
	if cfg.IPC.ProbeTimeout <= 0 {
		return nil, fmt.Errorf("ipc.probe_timeout_ms must be > 0")
	}
	if cfg.IPC.AcquireRetries < 0 {
		return nil, fmt.Errorf("ipc.acquire_retries must be >= 0")
	}
	if cfg.Broadcast.QueueSize <= 0 {
		return nil, fmt.Errorf("broadcast.queue_size must be > 0")
	}
	if cfg.KeepAlive.Interval <= 0 {
		return nil, fmt.Errorf("keepalive.interval_ms must be > 0")
	}
	if cfg.Reconnect.Initial <= 0 {
		return nil, fmt.Errorf("reconnect.initial_ms must be > 0")
	}
	if cfg.Reconnect.Max < cfg.Reconnect.Initial {
		return nil, fmt.Errorf("reconnect.max_ms must be >= reconnect.initial_ms")
	}
	if cfg.Visible.Debounce <= 0 {
		return nil, fmt.Errorf("visible.debounce_ms must be > 0")
	}
	if cfg.Visible.File != "" && !filepath.IsAbs(cfg.Visible.File) {
		return nil, fmt.Errorf("visible.file must be an absolute path")
	}
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return nil, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	if cfg.HandlerBudgetExceedsClientTimeout() {
		warnings = append(warnings, Warning{Message: fmt.Sprintf(
			"ipc.handler_budget_ms (%d) exceeds ipc.client_timeout_ms (%d); clients give up before the daemon reports a budget error",
			cfg.IPC.HandlerBudget.Milliseconds(), cfg.IPC.ClientTimeout.Milliseconds(),
		)})
	}
	for _, repo := range cfg.Repositories.Watched {
		if !filepath.IsAbs(repo) {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("repositories.watched entry %q is not absolute and will never match", repo)})
		}
	}

	return warnings, nil
}

// HandlerBudgetExceedsClientTimeout reports whether clients time out before the daemon's
// handler budget can fire.
func (c Config) HandlerBudgetExceedsClientTimeout() bool {
	return c.IPC.HandlerBudget > c.IPC.ClientTimeout
}
