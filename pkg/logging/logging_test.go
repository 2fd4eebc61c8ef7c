package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogfWritesThroughWorker(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	Logf("[route] selected name=%s", "accounts")
	Log("plain ", "message")
	Debugf("[route][debug] hidden")
	Warnf("[proxy] backend slow")
	Flush()

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, "[route] selected name=accounts", entries[0].Message)
	assert.Equal(t, "plain message", entries[1].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, GetInstanceID(), entries[0].ContextMap()["instance"])
}

func TestDebugEnabled(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	assert.True(t, DebugEnabled())

	Debugf("[relay][debug] bytes=%d", 10)
	Flush()
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "[relay][debug] bytes=10", logs.All()[0].Message)
}

func TestInit(t *testing.T) {
	require.NoError(t, Init("debug", "json"))
	assert.True(t, DebugEnabled())
	require.NoError(t, Init("info", "text"))
	assert.False(t, DebugEnabled())

	require.Error(t, Init("loud", "text"))
	require.Error(t, Init("info", "xml"))
	assert.NotNil(t, StdLogger())
}
