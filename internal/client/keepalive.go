package client

import (
	"context"
	"errors"
	"time"
)

// ErrNotAlive is returned by KeepAlive when the daemon answers but reports itself dead.
var ErrNotAlive = errors.New("daemon reported not alive")

// KeepAlive pings the daemon every interval until a ping fails, the daemon reports it is
// not alive, or ctx ends. onAlive, when set, runs after every successful ping.
func (c *Client) KeepAlive(ctx context.Context, interval time.Duration, onAlive func()) error {
	if interval <= 0 {
		interval = c.timeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		alive, err := c.Ping(ctx)
		if err != nil {
			return err
		}
		if !alive {
			return ErrNotAlive
		}
		if onAlive != nil {
			onAlive()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
