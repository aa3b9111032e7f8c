package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultProfile("dev")
	cfg.Bridge.Args = []string{"--trackers", "wss://tracker.example"}
	cfg.Timeouts.Request = Duration{1500 * time.Millisecond}
	require.NoError(t, Save(filepath.Join(dir, FileName), cfg))

	loaded, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `request = "1.5s"`)
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
profileName = "minimal"

[bridge]
path = "/opt/fedichess/bridge/dist/index.js"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Request.Duration)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.StopGrace.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.StaleAfter.Duration)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "node", cfg.Bridge.Node)
	assert.Equal(t, "fedichessd.sock", cfg.IPC.SocketPath)
	assert.Equal(t, "minimal", cfg.Player.Name)
	assert.Equal(t, 1200, cfg.Player.Elo)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"missing name":   `[bridge]` + "\n" + `path = "x"`,
		"bad duration":   "profileName = \"p\"\n[timeouts]\nrequest = \"soon\"",
		"negative grace": "profileName = \"p\"\n[timeouts]\nstopGrace = \"-1s\"",
		"bad level":      "profileName = \"p\"\n[logging]\nlevel = \"trace\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadProfileEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(filepath.Join(dir, FileName), DefaultProfile("env")))

	t.Run("environment", func(t *testing.T) {
		t.Setenv(EnvBridgePath, "/usr/local/bin/fedichess-bridge")
		t.Setenv(EnvLogLevel, "DEBUG")
		cfg, err := LoadProfile(dir)
		require.NoError(t, err)
		assert.Equal(t, "/usr/local/bin/fedichess-bridge", cfg.Bridge.Path)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("dotenv file", func(t *testing.T) {
		t.Setenv(EnvBridgePath, "")
		os.Unsetenv(EnvBridgePath)
		t.Setenv(EnvLogLevel, "")
		os.Unsetenv(EnvLogLevel)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FEDICHESS_LOG_LEVEL=warn\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv(EnvLogLevel) })

		cfg, err := LoadProfile(dir)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "bridge/dist/index.js", cfg.Bridge.Path)
	})
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/profiles/dev", "journal.db"), ResolvePath("/profiles/dev", "journal.db"))
	assert.Equal(t, "/var/run/fedichessd.sock", ResolvePath("/profiles/dev", "/var/run/fedichessd.sock"))
	assert.Equal(t, "", ResolvePath("/profiles/dev", ""))
}
