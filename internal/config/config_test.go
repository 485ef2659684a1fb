package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchReconnectPolicy(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Client.ReconnectDelay)
	assert.Equal(t, 20*time.Second, cfg.Client.Timeout)
	assert.Equal(t, []string{"websocket", "polling"}, cfg.Client.Transports)
	assert.True(t, cfg.Client.WithCredentials)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
addr = ":9000"

[database]
driver = "sqlite"
url = "file:test.db"

[client]
maxReconnectAttempts = 3
reconnectDelay = "250ms"
transports = ["polling"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("ESTATEMSG_SOCKET_URL", "https://chat.example.com")
	t.Setenv("ESTATEMSG_CONNECT_TIMEOUT", "5s")
	t.Setenv("MAX_CONNECTIONS_PER_IP", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ReconnectDelay)
	assert.Equal(t, []string{"polling"}, cfg.Client.Transports)
	assert.Equal(t, "https://chat.example.com", cfg.Client.SocketURL)
	assert.Equal(t, 5*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 2, cfg.Limits.MaxConnectionsPerIP)
	// untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Client.AckTimeout)
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("ESTATEMSG_MAX_RECONNECT_ATTEMPTS", "many")

	_, err := Load(filepath.Join("testdata", "missing.toml"))
	require.Error(t, err)

	t.Setenv("ESTATEMSG_MAX_RECONNECT_ATTEMPTS", "")
	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	t.Setenv("ESTATEMSG_RECONNECT_DELAY", "soon")
	_, err = Load(path)
	require.Error(t, err)
}

func TestTransportListFromEnv(t *testing.T) {
	t.Setenv("ESTATEMSG_TRANSPORTS", "polling, websocket ,")
	t.Setenv("PORT", "8081")

	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"polling", "websocket"}, cfg.Client.Transports)
	assert.Equal(t, ":8081", cfg.Server.Addr)
}
