package version

import (
	"runtime"
	"strconv"

	"github.com/rbright/turtle/internal/protocol"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return "turtle " + Version +
		" (protocol=" + strconv.Itoa(protocol.Version) +
		", commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}
