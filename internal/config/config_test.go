package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"mumbleclient/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if !cfg.Opus {
		t.Error("expected Opus enabled by default")
	}
	if !cfg.AutoReconnect {
		t.Error("expected auto reconnect enabled by default")
	}
	if cfg.JitterDepth <= 0 {
		t.Errorf("expected positive jitter depth, got %d", cfg.JitterDepth)
	}
	if cfg.PingIntervalSecs != 5 {
		t.Errorf("expected 5s ping interval, got %d", cfg.PingIntervalSecs)
	}
	if len(cfg.Servers) == 0 {
		t.Error("expected at least one default server")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		Username:     "alice",
		Server:       "voice.example.net",
		HistoryLimit: 50,
		Opus:         false,
		ForceTCP:     true,
		JitterDepth:  5,
		Servers: []config.ServerEntry{
			{Name: "Home", Addr: "192.168.1.10:64738", Username: "al"},
		},
	}

	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if loaded.Username != cfg.Username {
		t.Errorf("username: want %q got %q", cfg.Username, loaded.Username)
	}
	if loaded.Server != cfg.Server {
		t.Errorf("server: want %q got %q", cfg.Server, loaded.Server)
	}
	if loaded.Opus {
		t.Error("opus: saved false, loaded true")
	}
	if !loaded.ForceTCP {
		t.Error("force_tcp: saved true, loaded false")
	}
	if loaded.JitterDepth != 5 {
		t.Errorf("jitter depth: want 5 got %d", loaded.JitterDepth)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Username != "al" {
		t.Errorf("servers: unexpected value %+v", loaded.Servers)
	}
}

func TestLoadFillsMissingKeysFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("username = \"bob\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Username != "bob" {
		t.Errorf("username: got %q", cfg.Username)
	}
	if cfg.JitterDepth != config.Default().JitterDepth {
		t.Errorf("jitter depth should keep its default, got %d", cfg.JitterDepth)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := config.Load()
	if cfg.JitterDepth != config.Default().JitterDepth {
		t.Error("expected defaults for a missing file")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path := filepath.Join(dir, "mumbleclient", "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not = = toml [[["), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Load()
	if cfg.Username != "" || !cfg.Opus {
		t.Errorf("expected defaults on corrupt file, got %+v", cfg)
	}
	if _, err := config.LoadFile(path); err == nil {
		t.Error("LoadFile should report the decode error")
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if err := config.Save(config.Default()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(dir, "mumbleclient", "config.toml")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode: got %v", info.Mode().Perm())
	}
}

func TestSiblingPaths(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Default()
	p, err := cfg.IdentityPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(dir, "mumbleclient", "identity.p12") {
		t.Errorf("identity path: got %q", p)
	}

	cfg.HistoryPath = "/var/lib/mumble/history.db"
	if p, _ := cfg.HistoryFile(); p != cfg.HistoryPath {
		t.Errorf("explicit history path ignored: got %q", p)
	}
}

func TestLookup(t *testing.T) {
	cfg := config.Default()
	cfg.Servers = append(cfg.Servers, config.ServerEntry{Name: "Guild", Addr: "guild.example.net"})

	if s, ok := cfg.Lookup("Guild"); !ok || s.Addr != "guild.example.net" {
		t.Errorf("lookup by name: %+v %v", s, ok)
	}
	if s, ok := cfg.Lookup("guild.example.net:64738"); !ok || s.Name != "Guild" {
		t.Errorf("lookup by address: %+v %v", s, ok)
	}
	if _, ok := cfg.Lookup("elsewhere"); ok {
		t.Error("unexpected match")
	}
}
