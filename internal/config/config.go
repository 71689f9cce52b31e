// Package config manages persistent user preferences for the client.
// Settings are stored as TOML at os.UserConfigDir()/mumbleclient/config.toml.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const appDir = "mumbleclient"

// Config holds all persistent user preferences.
type Config struct {
	Username string `toml:"username"`
	// Server is the address used when none is given on the command line.
	Server string `toml:"server"`

	// CertificatePath defaults to identity.p12 next to the config file.
	CertificatePath     string `toml:"certificate_path"`
	CertificatePassword string `toml:"certificate_password"`
	// HistoryPath defaults to history.db next to the config file. Set
	// HistoryLimit to 0 to disable message history.
	HistoryPath  string `toml:"history_path"`
	HistoryLimit int    `toml:"history_limit"`

	Opus               bool `toml:"opus"`
	ForceTCP           bool `toml:"force_tcp"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
	AutoReconnect      bool `toml:"auto_reconnect"`
	JitterDepth        int  `toml:"jitter_depth"`
	AdaptiveJitter     bool `toml:"adaptive_jitter"`
	PingIntervalSecs   int  `toml:"ping_interval_secs"`

	Servers []ServerEntry `toml:"servers"`
}

// ServerEntry is a saved server.
type ServerEntry struct {
	Name     string `toml:"name"`
	Addr     string `toml:"addr"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		HistoryLimit:       500,
		Opus:               true,
		InsecureSkipVerify: true,
		AutoReconnect:      true,
		JitterDepth:        3,
		AdaptiveJitter:     true,
		PingIntervalSecs:   5,
		Servers: []ServerEntry{
			{Name: "Local", Addr: "localhost:64738"},
		},
	}
}

// Dir returns the directory holding the config file and its siblings.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDir), nil
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the config file and returns it. If the file is missing or
// unreadable, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile decodes the TOML file at path over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Default(), fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes cfg to path.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	// The file may carry server passwords.
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// IdentityPath resolves CertificatePath.
func (c Config) IdentityPath() (string, error) {
	return c.sibling(c.CertificatePath, "identity.p12")
}

// HistoryFile resolves HistoryPath.
func (c Config) HistoryFile() (string, error) {
	return c.sibling(c.HistoryPath, "history.db")
}

func (c Config) sibling(set, name string) (string, error) {
	if set != "" {
		return set, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// Lookup returns the saved server whose name or normalized address matches
// nameOrAddr.
func (c Config) Lookup(nameOrAddr string) (ServerEntry, bool) {
	want, _ := NormalizeServerAddr(nameOrAddr)
	for _, s := range c.Servers {
		if s.Name == nameOrAddr {
			return s, true
		}
		if got, err := NormalizeServerAddr(s.Addr); err == nil && got == want {
			return s, true
		}
	}
	return ServerEntry{}, false
}
