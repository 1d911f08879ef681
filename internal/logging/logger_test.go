package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeWithOptionsSeedsConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, InitializeWithOptions(ws, Options{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"store": false},
	}))
	t.Cleanup(CloseAll)

	assert.True(t, IsDebugMode())
	assert.False(t, IsCategoryEnabled(CategoryStore))
	assert.True(t, IsCategoryEnabled(CategoryMemory), "unlisted categories default on")

	_, err := os.Stat(filepath.Join(ws, ".gitteach", "logs"))
	assert.NoError(t, err, "debug mode creates the logs directory")
}

func TestInitializeDefaultsToProductionMode(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, Initialize(ws))
	t.Cleanup(CloseAll)

	assert.False(t, IsDebugMode())
	_, err := os.Stat(filepath.Join(ws, ".gitteach", "logs"))
	assert.True(t, os.IsNotExist(err), "production mode stays silent")
}

func TestConfigJSONOverridesSeededOptions(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, ".gitteach"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(ws, ".gitteach", "config.json"),
		[]byte(`{"logging": {"debug_mode": false, "level": "error"}}`), 0644))

	require.NoError(t, InitializeWithOptions(ws, Options{DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	assert.False(t, IsDebugMode(), "the on-disk overlay wins")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, parseLevel("debug"))
	assert.Equal(t, LevelWarn, parseLevel("warning"))
	assert.Equal(t, LevelError, parseLevel("error"))
	assert.Equal(t, LevelInfo, parseLevel(""))
	assert.Equal(t, LevelInfo, parseLevel("verbose"))
}
