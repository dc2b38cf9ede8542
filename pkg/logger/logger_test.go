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

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)

	l, err := New(Config{Level: "debug", Encoding: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestWithContextAddsConnectorFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer ReplaceGlobal(zap.New(core))()

	ctx := WithConnector(context.Background(), "okta", "system-log", "K")
	WithContext(ctx).Info("window forwarded")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "okta", fields["connector"])
	assert.Equal(t, "system-log", fields["stream"])
	assert.Equal(t, "K", fields["intake_key"])
}

func TestWithContextSkipsEmptyValues(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer ReplaceGlobal(zap.New(core))()

	WithContext(WithConnector(context.Background(), "sqs", "", "")).Info("x")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "sqs", fields["connector"])
	assert.NotContains(t, fields, "stream")
	assert.NotContains(t, fields, "intake_key")
}

func TestCriticalMarksEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Critical(zap.New(core), "credentials rejected", zap.String("client_id", "abc"))

	entry := logs.All()[0]
	assert.Equal(t, zapcore.ErrorLevel, entry.Level)
	assert.Equal(t, true, entry.ContextMap()["critical"])
	assert.Equal(t, "abc", entry.ContextMap()["client_id"])
}
