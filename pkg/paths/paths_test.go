package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureLayoutIdempotent(t *testing.T) {
	root := t.TempDir()
	l := New(filepath.Join(root, "data"))

	require.NoError(t, l.EnsureLayout())
	require.NoError(t, l.EnsureLayout())

	for _, dir := range []string{
		l.SystemDir(), l.UserBrainsDir(), l.BackupsDir(),
		l.ExportsDir(), l.CacheDir(), l.SystemModulesDir(), l.UserModulesDir(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
}

func TestBrainFileLocations(t *testing.T) {
	l := New("/var/lib/aaviondb")
	assert.Equal(t, "/var/lib/aaviondb/system/system.brain", l.SystemBrainFile())
	assert.Equal(t, "/var/lib/aaviondb/brains/storyverse.brain", l.UserBrainFile("storyverse"))
}

func TestOverrides(t *testing.T) {
	l := New("/data", WithBackupsDir("/mnt/backups"), WithExportsDir(""), WithLogsDir("/var/log/aaviondb"))
	assert.Equal(t, "/mnt/backups", l.BackupsDir())
	assert.Equal(t, "/data/exports", l.ExportsDir())
	assert.Equal(t, "/var/log/aaviondb", l.LogsDir())
}

func TestVerify(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.Verify())

	missing := New(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, missing.Verify())
}
