package config

import "github.com/rbright/turtle/internal/ipc"

// Registry builds the endpoint registry both daemon and clients derive channel paths from.
func (c IPCConfig) Registry() ipc.Registry {
	reg := ipc.NewRegistry(c.RuntimeDir, c.Prefix)
	if c.ProbeTimeout > 0 {
		reg.ProbeTimeout = c.ProbeTimeout
	}
	if c.AcquireRetries >= 0 {
		reg.Retries = c.AcquireRetries
	}
	return reg
}
