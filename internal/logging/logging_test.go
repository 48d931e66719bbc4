package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInit_DefaultsToInfo(t *testing.T) {
	logger, err := Init("", "")
	require.NoError(t, err)
	defer func() { _ = logger.Sync() }()

	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}

func TestInit_DebugLevel(t *testing.T) {
	logger, err := Init("debug", "")
	require.NoError(t, err)
	defer func() { _ = logger.Sync() }()

	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestInit_RejectsUnknownLevel(t *testing.T) {
	_, err := Init("loud", "")
	assert.Error(t, err)
}

func TestInit_CreatesLogFileDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agt.log")
	logger, err := Init("info", path)
	require.NoError(t, err)

	logger.Info("boot")
	_ = logger.Sync()

	assert.FileExists(t, path)
}

func TestNamed_ChildOfGlobal(t *testing.T) {
	logger, err := Init("debug", "")
	require.NoError(t, err)
	defer func() { _ = logger.Sync() }()

	named := Named("proxy")
	require.NotNil(t, named)
	assert.True(t, named.Core().Enabled(zap.DebugLevel))
}
