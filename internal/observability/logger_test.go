package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "", MaskSecret(""))
	require.Equal(t, "****", MaskSecret("abc"))
	require.Equal(t, "eyJ0****(12)", MaskSecret("eyJ0eXAiOiJK"))
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	SetLogger(nil)
	require.NotNil(t, Log())
	Log().Info("discarded")
}

func TestZapLoggerForwardsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := WrapZap(zap.New(core)).Named("engine")

	logger.Warn("child replication failed",
		Field{Key: "child_user_id", Value: "C2"},
		Field{Key: "error", Value: errors.New("token expired")},
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "child replication failed", entries[0].Message)
	require.Equal(t, "engine", entries[0].LoggerName)
	ctx := entries[0].ContextMap()
	require.Equal(t, "C2", ctx["child_user_id"])
	require.Equal(t, "token expired", ctx["error"])
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger("loud", "dev")
	require.Error(t, err)

	logger, err := NewZapLogger("debug", "prod")
	require.NoError(t, err)
	require.NotNil(t, logger)
}
