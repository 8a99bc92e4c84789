// Package logger builds the process slog.Logger. Text output goes through
// charmbracelet/log; JSON output is one LogEntry per line. Either way a
// record logged with a context carrying an ambient bus session is tagged
// with that session.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmLog "github.com/charmbracelet/log"

	"sessionbus/pkg/config"
	"sessionbus/pkg/message"
)

const (
	formatText = "text"
	formatJSON = "json"

	envLogFormat    = "SESSIONBUS_LOG_FORMAT"
	envLogLevel     = "SESSIONBUS_LOG_LEVEL"
	envLogAddSource = "SESSIONBUS_LOG_ADD_SOURCE"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// settings is LoggingConfig after SESSIONBUS_LOG_* overrides.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

func resolve(cfg config.LoggingConfig) (settings, error) {
	format := override(envLogFormat, cfg.Format, formatText)
	if format != formatText && format != formatJSON {
		return settings{}, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := override(envLogLevel, cfg.Level, "info")
	level, ok := levelNames[levelText]
	if !ok {
		return settings{}, fmt.Errorf("unsupported log level %q", levelText)
	}

	addSource := cfg.AddSource
	if value, ok := os.LookupEnv(envLogAddSource); ok && strings.TrimSpace(value) != "" {
		addSource = truthy(value)
	}

	return settings{format: format, level: level, addSource: addSource}, nil
}

// override picks the environment value, then the configured one, then
// fallback, normalised to lower case.
func override(envName, configured, fallback string) string {
	for _, candidate := range []string{os.Getenv(envName), configured} {
		if value := strings.ToLower(strings.TrimSpace(candidate)); value != "" {
			return value
		}
	}
	return fallback
}

func truthy(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// New builds the process logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

func NewWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if s.format == formatJSON {
		return slog.New(newEntryHandler(writer, s)), nil
	}

	pretty := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           toCharm(s.level),
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})
	return slog.New(sessionHandler{Handler: pretty}), nil
}

func toCharm(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

// sessionHandler appends the ambient session as a "session" attribute.
type sessionHandler struct {
	slog.Handler
}

func (h sessionHandler) Handle(ctx context.Context, record slog.Record) error {
	if session, ok := message.SessionFromContext(ctx); ok {
		record = record.Clone()
		record.AddAttrs(slog.String("session", session))
	}

	return h.Handler.Handle(ctx, record)
}

func (h sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return sessionHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h sessionHandler) WithGroup(name string) slog.Handler {
	return sessionHandler{Handler: h.Handler.WithGroup(name)}
}
