package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		"DEBUG":    zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"":         zerolog.InfoLevel,
		"bogus":    zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew(t *testing.T) {
	t.Run("json at configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Config{Level: "warn", Output: &buf})

		logger.Info().Msg("hidden")
		assert.Zero(t, buf.Len())

		logger.Warn().Str("k", "v").Msg("shown")
		entry := decode(t, &buf)
		assert.Equal(t, "shown", entry["message"])
		assert.Equal(t, "v", entry["k"])
		assert.Contains(t, entry, "time")
	})

	t.Run("console format", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Config{Format: "console", Output: &buf})

		logger.Info().Msg("hello")
		assert.Contains(t, buf.String(), "hello")
		assert.NotContains(t, buf.String(), `"message"`)
	})
}

func TestSlogHandler(t *testing.T) {
	t.Run("writes attributes and groups", func(t *testing.T) {
		var buf bytes.Buffer
		slogger := NewSlog(zerolog.New(&buf))

		slogger.With("service", "worker").WithGroup("req").Info("handled",
			"n", 3,
			"ok", true,
			"took", 2*time.Second,
			slog.Group("peer", "id", "p1"),
		)

		entry := decode(t, &buf)
		assert.Equal(t, "handled", entry["message"])
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "worker", entry["service"])
		assert.Equal(t, float64(3), entry["req.n"])
		assert.Equal(t, true, entry["req.ok"])
		assert.Equal(t, "p1", entry["req.peer.id"])
		assert.Contains(t, entry, "req.took")
	})

	t.Run("errors keep their message", func(t *testing.T) {
		var buf bytes.Buffer
		NewSlog(zerolog.New(&buf)).Error("failed", "err", errors.New("boom"))

		entry := decode(t, &buf)
		assert.Equal(t, "error", entry["level"])
		assert.Equal(t, "boom", entry["err"])
	})

	t.Run("respects logger level", func(t *testing.T) {
		h := NewSlogHandler(zerolog.New(nil).Level(zerolog.WarnLevel))

		assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
		assert.True(t, h.Enabled(context.Background(), slog.LevelError))
	})

	t.Run("empty group name is ignored", func(t *testing.T) {
		h := NewSlogHandler(zerolog.Nop())
		assert.Same(t, h, h.WithGroup(""))
	})
}
