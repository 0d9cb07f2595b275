package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.log")
	require.NoError(t, Init(Options{Level: "warn", OutputPaths: []string{path}}))

	Log().Info("hidden")
	S().Warnw("visible", "frame", 3)
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, `"timestamp"`)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
}

func TestInit_BadLevel(t *testing.T) {
	err := Init(Options{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestInitDevelopment(t *testing.T) {
	require.NoError(t, InitDevelopment())
	assert.NotNil(t, Log())
	assert.NotNil(t, S())
	require.NoError(t, InitProduction())
}

func TestSet_Restore(t *testing.T) {
	require.NoError(t, InitProduction())
	prev := Log()

	core, logs := observer.New(zapcore.InfoLevel)
	restore := Set(zap.New(core))
	Log().Info("captured")
	S().Infof("frame %d", 3)
	restore()
	Log().Info("not captured")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "captured", logs.All()[0].Message)
	assert.Equal(t, "frame 3", logs.All()[1].Message)
	assert.Same(t, prev, Log())
}
