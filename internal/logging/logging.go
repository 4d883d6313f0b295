package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// ErrInvalidFormat is returned for a log format Build does not know.
var ErrInvalidFormat = errors.New("invalid log format")

// New returns a minimal structured logger with secret redaction.
func New() *slog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel returns a text logger at the named level. Unknown levels fall back to info.
func NewWithLevel(level string) *slog.Logger {
	l, _ := Build(os.Stdout, level, "text")
	return l
}

// Build returns a logger writing to w in the given format (text, json or tint).
func Build(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl := parseLevel(level)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: redact})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: redact})), nil
	case "tint":
		return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl, ReplaceAttr: redact})), nil
	}
	return nil, errors.Join(ErrInvalidFormat, fmt.Errorf("log format: %s", format))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "token") || strings.Contains(k, "secret") || strings.Contains(k, "key") || strings.Contains(k, "pass")
}
