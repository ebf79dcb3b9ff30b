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

	assert.Equal(t, 27701, cfg.Port)
	assert.Equal(t, "/sync/", cfg.BaseURL)
	assert.Equal(t, "/msync/", cfg.BaseMediaURL)
	assert.Equal(t, "sqlite", cfg.SessionManager)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ankisyncd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
host = "0.0.0.0"
port = 8080
data_root = "/var/lib/ankisyncd"
base_url = "/anki/sync"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/var/lib/ankisyncd", cfg.DataRoot)
	// trailing slash is enforced
	assert.Equal(t, "/anki/sync/", cfg.BaseURL)
	// untouched keys keep their defaults
	assert.Equal(t, "/msync/", cfg.BaseMediaURL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANKISYNCD_HOST", "192.168.1.5")
	t.Setenv("ANKISYNCD_PORT", "9000")
	t.Setenv("ANKISYNCD_SESSION_MANAGER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.5", cfg.Host)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "memory", cfg.SessionManager)
	assert.Equal(t, "192.168.1.5:9000", cfg.Addr())
}

func TestEnvBadPort(t *testing.T) {
	t.Setenv("ANKISYNCD_PORT", "not-a-port")

	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SessionManager = "redis"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BaseURL = "sync/"
	assert.Error(t, cfg.Validate())
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = \"nope"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
