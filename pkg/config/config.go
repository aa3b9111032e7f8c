package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables consulted after the profile is read.
const (
	EnvBridgePath = "FEDICHESS_BRIDGE"
	EnvLogLevel   = "FEDICHESS_LOG_LEVEL"
)

// FileName is the profile's config file.
const FileName = "config.toml"

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// BridgeConfig locates the Node bridge.
type BridgeConfig struct {
	Path    string   `toml:"path"`
	WorkDir string   `toml:"workDir"`
	Node    string   `toml:"node"`
	Args    []string `toml:"args"`
}

// TimeoutConfig bounds waits on the bridge.
type TimeoutConfig struct {
	Request    Duration `toml:"request"`
	StopGrace  Duration `toml:"stopGrace"`
	StaleAfter Duration `toml:"staleAfter"`
}

// IPCConfig defines the daemon socket.
type IPCConfig struct {
	SocketPath string `toml:"socketPath"`
}

// JournalConfig controls the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"dbPath"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
}

// PlayerConfig is the local player announced in the lobby.
type PlayerConfig struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
	Elo  int    `toml:"elo"`
	// AutoHeartbeat makes the daemon announce the player every
	// HeartbeatInterval while it is in the lobby.
	AutoHeartbeat     bool     `toml:"autoHeartbeat"`
	HeartbeatInterval Duration `toml:"heartbeatInterval"`
}

// ProfileConfig aggregates client configuration for a profile.
type ProfileConfig struct {
	ProfileName string        `toml:"profileName"`
	Bridge      BridgeConfig  `toml:"bridge"`
	Timeouts    TimeoutConfig `toml:"timeouts"`
	IPC         IPCConfig     `toml:"ipc"`
	Journal     JournalConfig `toml:"journal"`
	Logging     LoggingConfig `toml:"logging"`
	Player      PlayerConfig  `toml:"player"`
}

// DefaultProfile returns the configuration written by `fedichess init`.
func DefaultProfile(name string) *ProfileConfig {
	return &ProfileConfig{
		ProfileName: name,
		Bridge: BridgeConfig{
			Path: "bridge/dist/index.js",
			Node: "node",
		},
		Timeouts: TimeoutConfig{
			Request:    Duration{10 * time.Second},
			StopGrace:  Duration{2 * time.Second},
			StaleAfter: Duration{30 * time.Second},
		},
		IPC:     IPCConfig{SocketPath: "fedichessd.sock"},
		Journal: JournalConfig{Enabled: true, DBPath: "journal.db"},
		Logging: LoggingConfig{Level: "info", FileMaxSize: 10, FileBackups: 3},
		Player:  PlayerConfig{Name: name, Elo: 1200, AutoHeartbeat: true, HeartbeatInterval: Duration{10 * time.Second}},
	}
}

// Load reads config.toml from the provided path.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// LoadProfile reads the profile directory's config.toml and applies
// environment overrides. A .env file in the profile directory is loaded
// first; variables already set in the environment win over it.
func LoadProfile(dir string) (*ProfileConfig, error) {
	envFile := filepath.Join(dir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := Load(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as TOML, creating the parent directory.
func Save(path string, cfg *ProfileConfig) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath makes a relative path relative to the profile directory.
func ResolvePath(profileDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(profileDir, path)
}

func (cfg *ProfileConfig) applyEnv() error {
	if v := os.Getenv(EnvBridgePath); v != "" {
		cfg.Bridge.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return cfg.validate()
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.IPC.SocketPath == "" {
		cfg.IPC.SocketPath = "fedichessd.sock"
	}
	if cfg.Journal.DBPath == "" {
		cfg.Journal.DBPath = "journal.db"
	}
	if cfg.Bridge.Node == "" {
		cfg.Bridge.Node = "node"
	}

	defaults := DefaultProfile(cfg.ProfileName).Timeouts
	for _, d := range []struct {
		name string
		v    *Duration
		def  Duration
	}{
		{"timeouts.request", &cfg.Timeouts.Request, defaults.Request},
		{"timeouts.stopGrace", &cfg.Timeouts.StopGrace, defaults.StopGrace},
		{"timeouts.staleAfter", &cfg.Timeouts.StaleAfter, defaults.StaleAfter},
	} {
		switch {
		case d.v.Duration < 0:
			return fmt.Errorf("%s must not be negative", d.name)
		case d.v.Duration == 0:
			*d.v = d.def
		}
	}

	level := strings.ToLower(cfg.Logging.Level)
	switch level {
	case "":
		level = "info"
	case "debug", "info", "warn":
	default:
		return fmt.Errorf("logging.level %q: want debug, info or warn", cfg.Logging.Level)
	}
	cfg.Logging.Level = level
	if cfg.Logging.FileMaxSize < 0 || cfg.Logging.FileBackups < 0 {
		return fmt.Errorf("logging file limits must not be negative")
	}

	if cfg.Player.HeartbeatInterval.Duration < 0 {
		return fmt.Errorf("player.heartbeatInterval must not be negative")
	}
	if cfg.Player.HeartbeatInterval.Duration == 0 {
		cfg.Player.HeartbeatInterval = Duration{10 * time.Second}
	}
	if cfg.Player.Elo == 0 {
		cfg.Player.Elo = 1200
	}
	if cfg.Player.Name == "" {
		cfg.Player.Name = cfg.ProfileName
	}
	return nil
}
