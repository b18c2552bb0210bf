// Package doctor runs runtime readiness diagnostics for config, sockets, and the daemon.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rbright/turtle/internal/client"
	"github.com/rbright/turtle/internal/config"
	"github.com/rbright/turtle/internal/ipc"
	"github.com/rbright/turtle/internal/protocol"
	"github.com/rbright/turtle/internal/visible"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/daemon checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{}

	message := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		message = fmt.Sprintf("%q not found; using defaults", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: message})

	if cfg.Config.IPC.RuntimeDir == "" {
		checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
			return strings.TrimSpace(v) != ""
		}, "per-session runtime dir available", "XDG_RUNTIME_DIR is empty; sockets fall back to the temp dir"))
	}

	reg := cfg.Config.IPC.Registry()
	checks = append(checks, checkRuntimeDir(reg.Dir))
	for _, kind := range protocol.Kinds {
		checks = append(checks, checkEndpoint(reg, kind))
	}
	checks = append(checks, checkDaemon(ctx, reg, cfg.Config))

	if len(cfg.Config.Repositories.Watched) > 0 {
		checks = append(checks, checkRepositories(cfg.Config.Repositories.Watched))
		checks = append(checks, checkBinary("git-annex", "watched repositories are git-annex repositories"))
	}
	if cfg.Config.Visible.File != "" {
		checks = append(checks, checkVisibleFile(cfg.Config.Visible.File))
	}

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkRuntimeDir validates that the socket directory exists and is private.
func checkRuntimeDir(dir string) Check {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "runtime.dir", Pass: false, Message: fmt.Sprintf("%s does not exist (daemon never started?)", dir)}
		}
		return Check{Name: "runtime.dir", Pass: false, Message: err.Error()}
	}
	if !info.IsDir() {
		return Check{Name: "runtime.dir", Pass: false, Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return Check{Name: "runtime.dir", Pass: false, Message: fmt.Sprintf("%s is accessible by other users (mode %o)", dir, perm)}
	}
	return Check{Name: "runtime.dir", Pass: true, Message: dir}
}

// checkEndpoint validates that the channel socket for kind is present.
func checkEndpoint(reg ipc.Registry, kind protocol.Kind) Check {
	name := "endpoint." + kind.String()
	ep, err := reg.Resolve(kind)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	return Check{Name: name, Pass: true, Message: ep.Path}
}

// checkDaemon pings the daemon through the regular client path.
func checkDaemon(ctx context.Context, reg ipc.Registry, cfg config.Config) Check {
	c := client.New(client.Options{Registry: reg, Timeout: cfg.IPC.ClientTimeout})
	defer c.Close()

	alive, err := c.Ping(ctx)
	switch {
	case errors.Is(err, ipc.ErrEndpointNotFound):
		return Check{Name: "daemon.ping", Pass: false, Message: "daemon is not running"}
	case err != nil:
		return Check{Name: "daemon.ping", Pass: false, Message: err.Error()}
	case !alive:
		return Check{Name: "daemon.ping", Pass: false, Message: "daemon answered but reported not alive"}
	default:
		return Check{Name: "daemon.ping", Pass: true, Message: "daemon answered"}
	}
}

// checkRepositories validates that every watched repository root is a directory.
func checkRepositories(roots []string) Check {
	missing := make([]string, 0)
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			missing = append(missing, root)
		}
	}
	if len(missing) > 0 {
		return Check{Name: "repositories.watched", Pass: false, Message: "missing: " + strings.Join(missing, ", ")}
	}
	return Check{Name: "repositories.watched", Pass: true, Message: fmt.Sprintf("%d repositories", len(roots))}
}

// checkVisibleFile validates that the visible-folder file parses.
func checkVisibleFile(path string) Check {
	paths, err := visible.ReadPaths(path)
	if err != nil {
		return Check{Name: "visible.file", Pass: false, Message: err.Error()}
	}
	return Check{Name: "visible.file", Pass: true, Message: fmt.Sprintf("%s (%d folders)", path, len(paths))}
}
