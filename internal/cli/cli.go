package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandDaemon  Command = "daemon"
	CommandPing    Command = "ping"
	CommandBadge   Command = "badge"
	CommandCommand Command = "command"
	CommandWatch   Command = "watch"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

// commandArgs names the positional arguments each command takes.
var commandArgs = map[Command][]string{
	CommandDaemon:  nil,
	CommandPing:    nil,
	CommandBadge:   {"PATH"},
	CommandCommand: {"PATH", "ACTION"},
	CommandWatch:   nil,
	CommandDoctor:  nil,
	CommandVersion: nil,
	CommandHelp:    nil,
}

type Parsed struct {
	Command    Command
	Args       []string
	ConfigPath string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			want, ok := commandArgs[cmd]
			if !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			rest := args[i+1:]
			if len(rest) > len(want) {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
			if len(rest) < len(want) {
				return Parsed{}, fmt.Errorf("command %q requires %s", arg, strings.Join(want, " "))
			}
			for j, value := range rest {
				if strings.TrimSpace(value) == "" {
					return Parsed{}, fmt.Errorf("command %q: %s must not be empty", arg, want[j])
				}
			}

			parsed.Command = cmd
			parsed.Args = rest
			parsed.ShowHelp = cmd == CommandHelp
			return parsed, nil
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command> [args]

Commands:
  daemon                Serve badge, command, and folder channels until interrupted
  ping                  Check whether the daemon is answering
  badge PATH            Print the badge state of PATH
  command PATH ACTION   Ask whether git-annex ACTION may run on PATH
  watch                 Print visible-folder updates, re-subscribing across daemon restarts
  doctor                Run configuration and environment checks
  version               Print version information
  help                  Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/turtle/config.jsonc)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
