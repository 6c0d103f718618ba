package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithMemoryStore(t *testing.T) {
	t.Setenv("SUNSCORM_STORE", "memory")

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, int64(3<<30), cfg.MaxPackageSize)
	assert.Equal(t, int64(10<<20), cfg.MaxChunkSize)
	assert.Equal(t, []string{".zip", ".scorm"}, cfg.AllowedExtensions)
	assert.Equal(t, 30*time.Minute, cfg.UploadIdleTimeout)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 50, cfg.CacheMaxEntries)
	assert.Len(t, cfg.SigningSecret, 32)
	assert.Equal(t, filepath.Join("uploads", "courses"), cfg.PackagesDir())
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("SUNSCORM_STORE", "postgres")
	t.Setenv("SUNSCORM_DATABASE_URL", "")

	_, err := LoadFile("")
	require.Error(t, err)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("SUNSCORM_STORE", "mongo")

	_, err := LoadFile("")
	require.ErrorContains(t, err, "unknown store driver")
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sunscorm.toml")
	body := `
store = "memory"
public_url = "https://courses.example.com/"

[upload]
max_chunk_bytes = 1048576
allowed_extensions = ["zip"]
idle_timeout = "10m"

[cache]
ttl = "1m"
max_entries = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SUNSCORM_CACHE_MAX_ENTRIES", "7")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://courses.example.com", cfg.PublicURL)
	assert.Equal(t, int64(1<<20), cfg.MaxChunkSize)
	assert.Equal(t, []string{".zip"}, cfg.AllowedExtensions)
	assert.Equal(t, 10*time.Minute, cfg.UploadIdleTimeout)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, 7, cfg.CacheMaxEntries)
}

func TestFileWithUnknownKeyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("store = \"memory\"\nbogus = 1\n"), 0o600))

	_, err := LoadFile(path)
	require.ErrorContains(t, err, "unknown keys")
}
