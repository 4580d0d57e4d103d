package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexigpt/hostrelay-go/spec"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8740", c.Server.Addr)
	assert.Equal(t, "json", c.Server.Codec)
	assert.Equal(t, 30*time.Second, c.Session.WorkerConnectTimeout)
	assert.Equal(t, 15*time.Second, c.Session.GracePeriod)
	assert.Equal(t, 3, c.Session.MaxReconnectAttempts)
	assert.Equal(t, []string{"modules"}, c.Worker.ManifestDirs)
	assert.Empty(t, c.Server.AllowedOrigins)
	assert.True(t, c.Agent.Enabled)

	lvl, err := c.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9000"
codec = "CBOR"
allowed_origins = ["https://app.example"]

[session]
worker_connect_timeout = "45s"
grace_period = "1m"
max_reconnect_attempts = 5

[worker]
command = "/opt/host/bin/worker"
args = ["--user", "{user}", "--server", "{server}"]
manifest_dirs = ["/srv/modules", "/srv/extra"]

[log]
level = "debug"
format = "json"
`)
	c, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, "cbor", c.Server.Codec)
	assert.Equal(t, []string{"https://app.example"}, c.Server.AllowedOrigins)
	assert.Equal(t, 45*time.Second, c.Session.WorkerConnectTimeout)
	assert.Equal(t, time.Minute, c.Session.GracePeriod)
	assert.Equal(t, 5, c.Session.MaxReconnectAttempts)
	assert.Equal(t, time.Second, c.Session.ReconnectBaseBackoff)
	assert.Equal(t, "/opt/host/bin/worker", c.Worker.Command)
	assert.Equal(t, []string{"--user", "{user}", "--server", "{server}"}, c.Worker.Args)
	assert.Equal(t, []string{"/srv/modules", "/srv/extra"}, c.Worker.ManifestDirs)
	assert.Equal(t, "json", c.Log.Format)
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOSTRELAY_WORKER_USER", " alice ")
	t.Setenv("HOSTRELAY_WORKER_MANIFEST_DIRS", "a, b")
	t.Setenv("HOSTRELAY_SERVER_ADDR", ":1111")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("addr", "", "")
	fs.String("log-level", "", "")
	require.NoError(t, fs.Parse([]string{"--addr", ":2222", "--log-level", "warn"}))

	v := viper.New()
	require.NoError(t, BindFlags(v, fs))
	c, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, "alice", c.Worker.User)
	assert.Equal(t, []string{"a", "b"}, c.Worker.ManifestDirs)
	assert.Equal(t, ":2222", c.Server.Addr, "flags win over environment")
	lvl, err := c.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err, "an explicit config path must exist")

	tests := []struct {
		name string
		body string
	}{
		{"bad codec", "[server]\ncodec = \"xml\"\n"},
		{"zero timeout", "[session]\nworker_connect_timeout = \"0s\"\n"},
		{"backoff order", "[session]\nreconnect_base_backoff = \"10s\"\nreconnect_max_backoff = \"1s\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"bad format", "[log]\nformat = \"xml\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), writeConfig(t, tt.body))
			require.ErrorIs(t, err, spec.ErrInvalidArgument)
		})
	}
}
