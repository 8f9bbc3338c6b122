// Package logging builds the process logger: a slog handler on stdout or a
// rotating file, optionally teed into the OpenTelemetry log bridge, with a
// level that can change at runtime.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/webitel/im-realtime-service/config"
)

// Logger bundles the logger with the knobs the process keeps after startup.
type Logger struct {
	*slog.Logger
	Level *slog.LevelVar

	closer io.Closer
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// SetLevel applies a textual level. Unknown values are rejected and the
// current level is kept.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.Level.Set(lvl)
	return nil
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", level, err)
	}
	return lvl, nil
}

// New builds the logger described by cfg. service names the bridge scope.
func New(cfg config.LogConfig, service string) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(lvl)

	var (
		out    io.Writer = os.Stdout
		closer io.Closer
	)
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, closer = rotating, rotating
	}

	primary, err := newFormatHandler(out, cfg.Format, levelVar)
	if err != nil {
		return nil, err
	}

	handlers := []slog.Handler{primary}
	if cfg.OTel {
		handlers = append(handlers, slogmulti.Pipe(levelGate(levelVar)).Handler(otelslog.NewHandler(service)))
	}

	h := slogmulti.Pipe(stampTrace).Handler(slogmulti.Fanout(handlers...))
	return &Logger{
		Logger: slog.New(h).With("service", service),
		Level:  levelVar,
		closer: closer,
	}, nil
}

func newFormatHandler(w io.Writer, format string, level slog.Leveler) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("log format %q is not supported", format)
	}
}

// levelGate drops records below level before they reach the wrapped handler.
func levelGate(level slog.Leveler) slogmulti.Middleware {
	return slogmulti.NewEnabledInlineMiddleware(func(ctx context.Context, l slog.Level, next func(context.Context, slog.Level) bool) bool {
		return l >= level.Level() && next(ctx, l)
	})
}

// stampTrace adds trace_id and span_id of the active span.
var stampTrace = slogmulti.NewHandleInlineMiddleware(func(ctx context.Context, r slog.Record, next func(context.Context, slog.Record) error) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return next(ctx, r)
})
