package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// swapGlobal installs an observed logger for the duration of a test.
func swapGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, recorded := observer.New(zapcore.DebugLevel)
	previous := global
	global = zap.New(core)
	t.Cleanup(func() { global = previous })
	return recorded
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "req-42")
	assert.Equal(t, "req-42", CorrelationIDFromContext(ctx))

	assert.Empty(t, CorrelationIDFromContext(context.Background()))
	assert.Empty(t, CorrelationIDFromContext(nil))
}

func TestWithContextAttachesCorrelationID(t *testing.T) {
	recorded := swapGlobal(t)

	ctx := ContextWithCorrelationID(context.Background(), "req-7")
	InfoContext(ctx, "cycle started")

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "req-7", entries[0].ContextMap()["correlation_id"])
}

func TestWithContextWithoutCorrelationIDAddsNothing(t *testing.T) {
	recorded := swapGlobal(t)

	WarnContext(context.Background(), "no request context")

	entries := recorded.All()
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].ContextMap(), "correlation_id")
}
