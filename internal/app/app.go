package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rbright/turtle/internal/annex"
	"github.com/rbright/turtle/internal/cli"
	"github.com/rbright/turtle/internal/client"
	"github.com/rbright/turtle/internal/config"
	"github.com/rbright/turtle/internal/doctor"
	"github.com/rbright/turtle/internal/ipc"
	"github.com/rbright/turtle/internal/logging"
	"github.com/rbright/turtle/internal/protocol"
	"github.com/rbright/turtle/internal/server"
	"github.com/rbright/turtle/internal/version"
	"github.com/rbright/turtle/internal/visible"
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("turtle"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("turtle"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logRuntime.Logger.Error("load config failed", "error", err.Error())
		return 1
	}
	if err := logRuntime.SetLevel(cfgLoaded.Config.Log.Level); err != nil {
		fmt.Fprintf(r.Stderr, "warning: %v\n", err)
	}

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	cfg := cfgLoaded.Config
	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDaemon:
		return r.commandDaemon(ctx, cfg, logger)
	case cli.CommandPing:
		return r.withClient(cfg, logger, func(c *client.Client) error {
			return r.commandPing(ctx, c)
		})
	case cli.CommandBadge:
		return r.withClient(cfg, logger, func(c *client.Client) error {
			return r.commandBadge(ctx, c, parsed.Args[0])
		})
	case cli.CommandCommand:
		return r.withClient(cfg, logger, func(c *client.Client) error {
			return r.commandCommand(ctx, c, parsed.Args[0], parsed.Args[1])
		})
	case cli.CommandWatch:
		return r.withClient(cfg, logger, func(c *client.Client) error {
			return r.commandWatch(ctx, c, cfg, logger)
		})
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	srv := server.New(server.Options{
		Registry:       cfg.IPC.Registry(),
		Handlers:       annex.NewMemory(cfg.Repositories.Watched),
		Logger:         logger,
		HandlerBudget:  cfg.IPC.HandlerBudget,
		BroadcastQueue: cfg.Broadcast.QueueSize,
	})
	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, ipc.ErrNameInUse) {
			fmt.Fprintln(r.Stderr, "error: a turtle daemon is already running")
		} else {
			fmt.Fprintf(r.Stderr, "error: %v\n", err)
		}
		logger.Error("daemon start failed", "error", err.Error())
		return 1
	}
	logger.Info("daemon started", "runtime_dir", cfg.IPC.Registry().Dir)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchDone := make(chan struct{})
	if cfg.Visible.File != "" {
		go func() {
			defer close(watchDone)
			watcher := visible.Watcher{
				Path:      cfg.Visible.File,
				Debounce:  cfg.Visible.Debounce,
				Publisher: srv,
				Logger:    logger,
			}
			if err := watcher.Run(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("visible folder watcher stopped", "error", err.Error())
			}
		}()
	} else {
		close(watchDone)
	}

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}
	stopWatch()
	<-watchDone

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("daemon stopped with error", "error", err.Error())
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

// withClient builds a client from cfg, runs fn, and maps its error to an exit code.
func (r Runner) withClient(cfg config.Config, logger *slog.Logger, fn func(*client.Client) error) int {
	c := client.New(client.Options{
		Registry: cfg.IPC.Registry(),
		Timeout:  cfg.IPC.ClientTimeout,
		Logger:   logger,
	})
	defer func() { _ = c.Close() }()

	err := fn(c)
	if err == nil {
		return 0
	}
	if errors.Is(err, ipc.ErrEndpointNotFound) {
		fmt.Fprintln(r.Stderr, "error: turtle daemon is not running")
	} else {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
	}
	logger.Error("client command failed", "error", err.Error())
	return 1
}

func (r Runner) commandPing(ctx context.Context, c *client.Client) error {
	start := time.Now()
	alive, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	if !alive {
		return client.ErrNotAlive
	}
	fmt.Fprintf(r.Stdout, "alive (%s)\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func (r Runner) commandBadge(ctx context.Context, c *client.Client, path string) error {
	reply, err := c.RequestBadge(ctx, protocol.BadgeRequest{Path: path})
	if err != nil {
		return err
	}
	fmt.Fprintln(r.Stdout, reply.State.String())
	return nil
}

func (r Runner) commandCommand(ctx context.Context, c *client.Client, path, action string) error {
	reply, err := c.RequestCommand(ctx, protocol.CommandRequest{Path: path, Action: action})
	if err != nil {
		return err
	}
	if reply.Detail == "" {
		fmt.Fprintln(r.Stdout, reply.Outcome.String())
		return nil
	}
	fmt.Fprintf(r.Stdout, "%s: %s\n", reply.Outcome, reply.Detail)
	return nil
}

// commandWatch prints every folder update until ctx ends, re-subscribing with backoff
// whenever the daemon goes away or stops answering pings.
func (r Runner) commandWatch(ctx context.Context, c *client.Client, cfg config.Config, logger *slog.Logger) error {
	var (
		outMu   sync.Mutex
		folders client.FolderSet
	)
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(r.Stdout, format, args...)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Reconnect.Initial
	policy.MaxInterval = cfg.Reconnect.Max
	policy.MaxElapsedTime = 0

	for {
		var sub *ipc.Subscription
		subscribe := func() error {
			s, err := c.SubscribeFolderUpdates(ctx, func(update protocol.FolderUpdate) {
				if !folders.Apply(update) {
					logger.Info("folder sequence restarted", "seq", update.Seq)
				}
				printf("%d\t%s\n", update.Seq, strings.Join(update.Paths, "\t"))
			})
			if err != nil {
				if errors.Is(err, ipc.ErrClosed) {
					return backoff.Permanent(err)
				}
				return err
			}
			sub = s
			return nil
		}
		notify := func(err error, wait time.Duration) {
			logger.Debug("subscribe failed; retrying", "error", err.Error(), "wait", wait)
		}
		if err := backoff.RetryNotify(subscribe, backoff.WithContext(policy, ctx), notify); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		policy.Reset()
		logger.Info("subscribed to folder updates", "client_id", c.ID())

		liveCtx, stopLive := context.WithCancel(ctx)
		if cfg.KeepAlive.Interval > 0 {
			go func() {
				err := c.KeepAlive(liveCtx, cfg.KeepAlive.Interval, nil)
				if liveCtx.Err() == nil {
					logger.Warn("keepalive failed; dropping subscription", "error", err.Error())
					_ = sub.Close()
				}
			}()
		}

		select {
		case <-ctx.Done():
			stopLive()
			_ = sub.Close()
			return nil
		case <-sub.Done():
			stopLive()
			logger.Info("folder subscription ended; re-subscribing", "error", fmt.Sprint(sub.Err()))
		}
	}
}
