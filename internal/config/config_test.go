package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "occupancy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", c.DB.Driver)
	assert.Equal(t, "127.0.0.1:8080", c.API.Listen)
	assert.Equal(t, 64, c.Hub.SendBuffer)
	assert.Equal(t, []string{"vite-hmr"}, c.Hub.RejectProtocols)
	assert.Equal(t, 3*time.Second, c.Client.ReconnectDelay)
	assert.Equal(t, uint(5), c.Client.MaxAttempts)
	assert.Equal(t, 50, c.Query.RecentLimit)
	assert.Error(t, c.RequireDB())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
db:
  driver: sqlite3
  dsn: /tmp/occupancy.db
hub:
  send_buffer: 8
  pong_wait: 30s
  reject_protocols: [vite-hmr, webpack-hmr]
client:
  reconnect_delay: 250ms
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", c.DB.Driver)
	assert.NoError(t, c.RequireDB())
	assert.Equal(t, 8, c.Hub.SendBuffer)
	assert.Equal(t, 30*time.Second, c.Hub.PongWait)
	assert.Equal(t, []string{"vite-hmr", "webpack-hmr"}, c.Hub.RejectProtocols)
	assert.Equal(t, 250*time.Millisecond, c.Client.ReconnectDelay)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OCCUPANCY_DB_DSN", "postgres://localhost/occupancy")
	t.Setenv("OCCUPANCY_API_LISTEN", ":9000")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/occupancy", c.DB.DSN)
	assert.Equal(t, ":9000", c.API.Listen)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "db:\n  driver: oracle\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "amqp:\n  enabled: true\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
