package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "8080", c.Server.HTTPPort)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, "info", c.Logging.Level)
	assert.False(t, c.IPAM.PreferIPv4)
	assert.Equal(t, "Global", c.IPAM.DefaultNamespace)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipamd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: "9000"
database:
  driver: postgres
  dsn: postgres://ipam@localhost/ipam
ipam:
  prefer_ipv4: true
`), 0o600))
	t.Setenv("IPAMD_LOGGING_LEVEL", "debug")

	c, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "9000", c.Server.HTTPPort)
	assert.Equal(t, "postgres", c.Database.Driver)
	assert.Equal(t, "postgres://ipam@localhost/ipam", c.Database.DSN)
	assert.True(t, c.IPAM.PreferIPv4)
	assert.Equal(t, "debug", c.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
