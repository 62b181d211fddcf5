package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apivet/apivet/internal/config"
)

func TestNew(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, log)
}

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(config.LoggerConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestWithComponent(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	child := log.WithComponent("dynamic")
	assert.NotNil(t, child)
	assert.NotSame(t, log, child)
}

func TestWithScanID(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	child := log.WithScanID("scan-123")
	assert.NotNil(t, child)
}

func TestFromContextFallback(t *testing.T) {
	log := FromContext(context.Background())
	assert.NotNil(t, log)
}

func TestWithLoggerRoundTrip(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	ctx := WithLogger(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
}
