package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigureDefaults(t *testing.T) {
	cfg, err := Configure("")
	require.NoError(t, err)

	require.Equal(t, ":1883", cfg.Broker.TcpAddr)
	require.Equal(t, "mqtt", cfg.Broker.Codec)
	require.Equal(t, runtime.NumCPU(), cfg.Broker.Workers)
	require.Equal(t, 86400, cfg.Broker.ExpireSessionsAfter)
	require.Equal(t, "info", cfg.Log.Level)
	require.NotEmpty(t, cfg.String())
}

func TestConfigureFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
serverVersion = "9.9"

[log]
level = "debug"

[broker]
tcpAddr = ":2883"
workers = 2
expireSessionsAfter = 120

[auth]
passwordFile = "/etc/fmq/passwd"
allowAnonymous = true

[auth.pluginOpts]
redisUrl = "127.0.0.1:6380"

[persistence]
provider = "file"
retainedPath = "/tmp/retained.db"
sessionsPath = "/tmp/sessions.db"
`), 0600))

	cfg, err := Configure(path)
	require.NoError(t, err)

	require.Equal(t, "9.9", cfg.ServerVersion)
	require.Equal(t, ":2883", cfg.Broker.TcpAddr)
	require.Equal(t, 2, cfg.Broker.Workers)
	require.Equal(t, 120, cfg.Broker.ExpireSessionsAfter)
	require.True(t, cfg.Auth.AllowAnonymous)
	require.Equal(t, "127.0.0.1:6380", cfg.Auth.PluginOpts["redisUrl"])
	require.Equal(t, "file", cfg.Persistence.Provider)
}

func TestConfigureRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "loud"
`), 0600))

	_, err := Configure(path)
	require.Error(t, err)

	path2 := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path2, []byte(`
[persistence]
provider = "carrier-pigeon"
`), 0600))

	_, err = Configure(path2)
	require.Error(t, err)
}
