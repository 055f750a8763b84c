package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "default", cfg.DefaultBrain)
	assert.Equal(t, 24, cfg.APIKeyLength)
	assert.True(t, cfg.ResponseExports)
	assert.False(t, cfg.SaveExports)
	assert.Equal(t, ":8372", cfg.HTTP.Addr)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "file", cfg.Cache.Backend)
	assert.Equal(t, "sqlite", cfg.Audit.Driver)
	assert.False(t, cfg.Otel.Enabled)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 50, cfg.HTTP.PerIPRPS)
	assert.Equal(t, 100, cfg.HTTP.PerIPBurst)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read")
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadFileAndNormalize(t *testing.T) {
	raw := `
data_dir: /srv/brains
admin_secret: short
api_key_length: 4
default_brain: ""
http:
  addr: ":9000"
  per_ip_rps: 0
cache:
  backend: REDIS
  redis_addr: localhost:6379
audit:
  driver: bogus
observability:
  sample_rate: 7.5
`
	path := filepath.Join(t.TempDir(), "aaviondb.yml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/brains", cfg.DataDir)
	assert.Empty(t, cfg.AdminSecret, "non-conforming admin secret must be cleared")
	assert.Equal(t, 16, cfg.APIKeyLength)
	assert.Equal(t, "default", cfg.DefaultBrain)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 50, cfg.HTTP.PerIPRPS)
	assert.Equal(t, 100, cfg.HTTP.PerIPBurst)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "sqlite", cfg.Audit.Driver)
	assert.Equal(t, 1.0, cfg.Otel.SampleRate)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AAVIONDB_DATA_DIR", "/tmp/envdata")
	t.Setenv("AAVIONDB_ADMIN_SECRET", "_envsecret")
	t.Setenv("AAVIONDB_HTTP_ADDR", ":7000")
	t.Setenv("AAVIONDB_REDIS_ADDR", "redis:6379")
	t.Setenv("AAVIONDB_CACHE_ENABLED", "0")
	t.Setenv("AAVIONDB_API_KEY_LENGTH", "32")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/envdata", cfg.DataDir)
	assert.Equal(t, "_envsecret", cfg.AdminSecret)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, 32, cfg.APIKeyLength)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aaviondb.yml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\n"), 0o644))
	t.Setenv("AAVIONDB_DATA_DIR", "/from/env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestValidAdminSecret(t *testing.T) {
	assert.True(t, ValidAdminSecret("_letmein1"))
	assert.False(t, ValidAdminSecret("letmein1"))
	assert.False(t, ValidAdminSecret("_short"))
	assert.False(t, ValidAdminSecret(""))
}
