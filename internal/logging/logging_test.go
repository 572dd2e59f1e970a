package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSplitsByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := build("info", zapcore.AddSync(&stdout), zapcore.AddSync(&stderr))
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("epoch done")
	logger.Error("checkpoint failed")
	require.NoError(t, logger.Sync())

	assert.Contains(t, stdout.String(), "epoch done")
	assert.NotContains(t, stdout.String(), "hidden")
	assert.NotContains(t, stdout.String(), "checkpoint failed")
	assert.Contains(t, stderr.String(), "checkpoint failed")
}

func TestRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	require.Error(t, err)
}
