package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type Options struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`

	Out io.Writer `koanf:"-"` // defaults to stderr
}

var def atomic.Value

func init() {
	cfg := &slog.HandlerOptions{Level: slog.LevelInfo}
	h := slog.NewTextHandler(os.Stderr, cfg)
	def.Store(slog.New(h))
}

func Configure(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	cfg := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(out, cfg)
	} else {
		h = slog.NewTextHandler(out, cfg)
	}
	def.Store(slog.New(h).With("app", "logferry"))
}

func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
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

func L() *slog.Logger {
	l, _ := def.Load().(*slog.Logger)
	return l
}

// EnvOptions reads LOGFERRY_LOG_LEVEL and LOGFERRY_LOG_JSON.
func EnvOptions() Options {
	lvl := os.Getenv("LOGFERRY_LOG_LEVEL")
	json := false
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("LOGFERRY_LOG_JSON"))); err == nil {
		json = b
	}
	return Options{Level: lvl, JSON: json}
}

func InitFromEnv() { Configure(EnvOptions()) }
