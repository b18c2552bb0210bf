package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type jsoncConfig struct {
	IPC          *jsoncIPC          `json:"ipc"`
	Broadcast    *jsoncBroadcast    `json:"broadcast"`
	KeepAlive    *jsoncKeepAlive    `json:"keepalive"`
	Reconnect    *jsoncReconnect    `json:"reconnect"`
	Visible      *jsoncVisible      `json:"visible"`
	Repositories *jsoncRepositories `json:"repositories"`
	Log          *jsoncLog          `json:"log"`
}

type jsoncIPC struct {
	RuntimeDir      *string `json:"runtime_dir"`
	Prefix          *string `json:"prefix"`
	ClientTimeoutMS *int    `json:"client_timeout_ms"`
	HandlerBudgetMS *int    `json:"handler_budget_ms"`
	ProbeTimeoutMS  *int    `json:"probe_timeout_ms"`
	AcquireRetries  *int    `json:"acquire_retries"`
}

type jsoncBroadcast struct {
	QueueSize *int `json:"queue_size"`
}

type jsoncKeepAlive struct {
	IntervalMS *int `json:"interval_ms"`
}

type jsoncReconnect struct {
	InitialMS *int `json:"initial_ms"`
	MaxMS     *int `json:"max_ms"`
}

type jsoncVisible struct {
	File       *string `json:"file"`
	DebounceMS *int    `json:"debounce_ms"`
}

type jsoncRepositories struct {
	Watched *jsoncStringList `json:"watched"`
}

type jsoncLog struct {
	Level *string `json:"level"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	payload.applyTo(&cfg)

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, validatedWarnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) {
	if payload.IPC != nil {
		if payload.IPC.RuntimeDir != nil {
			cfg.IPC.RuntimeDir = expandHome(strings.TrimSpace(*payload.IPC.RuntimeDir))
		}
		if payload.IPC.Prefix != nil {
			cfg.IPC.Prefix = strings.TrimSpace(*payload.IPC.Prefix)
		}
		setMillis(&cfg.IPC.ClientTimeout, payload.IPC.ClientTimeoutMS)
		setMillis(&cfg.IPC.HandlerBudget, payload.IPC.HandlerBudgetMS)
		setMillis(&cfg.IPC.ProbeTimeout, payload.IPC.ProbeTimeoutMS)
		if payload.IPC.AcquireRetries != nil {
			cfg.IPC.AcquireRetries = *payload.IPC.AcquireRetries
		}
	}

	if payload.Broadcast != nil && payload.Broadcast.QueueSize != nil {
		cfg.Broadcast.QueueSize = *payload.Broadcast.QueueSize
	}

	if payload.KeepAlive != nil {
		setMillis(&cfg.KeepAlive.Interval, payload.KeepAlive.IntervalMS)
	}

	if payload.Reconnect != nil {
		setMillis(&cfg.Reconnect.Initial, payload.Reconnect.InitialMS)
		setMillis(&cfg.Reconnect.Max, payload.Reconnect.MaxMS)
	}

	if payload.Visible != nil {
		if payload.Visible.File != nil {
			cfg.Visible.File = expandHome(strings.TrimSpace(*payload.Visible.File))
		}
		setMillis(&cfg.Visible.Debounce, payload.Visible.DebounceMS)
	}

	if payload.Repositories != nil && payload.Repositories.Watched != nil {
		cfg.Repositories.Watched = nil
		for _, repo := range *payload.Repositories.Watched {
			repo = strings.TrimSpace(repo)
			if repo == "" {
				continue
			}
			cfg.Repositories.Watched = append(cfg.Repositories.Watched, expandHome(repo))
		}
	}

	if payload.Log != nil && payload.Log.Level != nil {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(*payload.Log.Level))
	}
}

func setMillis(dst *time.Duration, ms *int) {
	if ms == nil {
		return
	}
	*dst = time.Duration(*ms) * time.Millisecond
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
