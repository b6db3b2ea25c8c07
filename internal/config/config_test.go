package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxGlobalConcurrentTasks, cfg.MaxGlobalConcurrentTasks)
	assert.Equal(t, DefaultConfig().SegmentsPerTask, cfg.SegmentsPerTask)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)

	cfg := DefaultConfig()
	cfg.ListenAddr = "0.0.0.0:9000"
	cfg.MaxGlobalConcurrentTasks = 9

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", loaded.ListenAddr)
	assert.Equal(t, 9, loaded.MaxGlobalConcurrentTasks)
}

func TestSave_CreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "deeper")
	path := Path(dir)
	require.NoError(t, Save(path, DefaultConfig()))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLASHARR_LISTEN_ADDR", "127.0.0.1:1234")

	cfg, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.ListenAddr)
}
