package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/CZERTAINLY/acqman/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("acqman.cmd", "run"))
	a := log.ContextAttrs(ctx, slog.String("worker.id", "a"))
	b := log.ContextAttrs(ctx, slog.String("worker.id", "b"))

	logger.InfoContext(a, "first")
	logger.InfoContext(b, "second")
	logger.DebugContext(a, "hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "first", rec["msg"])
	require.Equal(t, "run", rec["acqman.cmd"])
	require.Equal(t, "a", rec["worker.id"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	require.Equal(t, "b", rec["worker.id"])
}

func TestNewWriter_Verbose(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, true).With("component", "test")
	logger.DebugContext(log.ContextAttrs(t.Context(), slog.Int("acqman.pid", 42)), "debug")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "DEBUG", rec["level"])
	require.Equal(t, "test", rec["component"])
	require.EqualValues(t, 42, rec["acqman.pid"])
}
