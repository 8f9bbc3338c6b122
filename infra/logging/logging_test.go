package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	slogmulti "github.com/samber/slog-multi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/webitel/im-realtime-service/config"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LogConfig{Level: "info", Format: "xml"}, "test")
	assert.Error(t, err)
}

func TestFileOutputAndRuntimeLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.log")

	l, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1}, "im-realtime")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	l.Debug("HIDDEN")
	l.Info("VISIBLE", "stream", "thread:T1")

	require.NoError(t, l.SetLevel("debug"))
	l.Debug("NOW_VISIBLE")
	assert.Error(t, l.SetLevel("loud"))
	assert.Equal(t, slog.LevelDebug, l.Level.Level())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "VISIBLE", first["msg"])
	assert.Equal(t, "im-realtime", first["service"])
	assert.Equal(t, "thread:T1", first["stream"])
	assert.Contains(t, string(lines[1]), "NOW_VISIBLE")
}

func TestFanoutGatesEachHandler(t *testing.T) {
	var a, b bytes.Buffer
	level := new(slog.LevelVar)

	h := slogmulti.Fanout(
		slogmulti.Pipe(levelGate(level)).Handler(slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug})),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	logger := slog.New(h).With("user_id", "u1")

	logger.Info("ONLY_FIRST")
	logger.Error("BOTH")

	assert.Contains(t, a.String(), "ONLY_FIRST")
	assert.Contains(t, a.String(), "BOTH")
	assert.NotContains(t, b.String(), "ONLY_FIRST")
	assert.Contains(t, b.String(), "user_id=u1")

	level.Set(slog.LevelError)
	a.Reset()
	logger.Warn("GATED")
	assert.Empty(t, a.String())
}

func TestStampTraceAddsSpanIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(stampTrace(slog.NewJSONHandler(&buf, nil)))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "TRACED")
	logger.Info("UNTRACED")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var traced, untraced map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &traced))
	require.NoError(t, json.Unmarshal(lines[1], &untraced))

	assert.Equal(t, sc.TraceID().String(), traced["trace_id"])
	assert.Equal(t, sc.SpanID().String(), traced["span_id"])
	assert.NotContains(t, untraced, "trace_id")
}
