package confloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testConfig struct {
	Storage struct {
		DataDir      string `koanf:"data_dir"`
		SnapshotKeep int    `koanf:"snapshot_keep"`
	} `koanf:"storage"`
	Agreement struct {
		PeerTimeout time.Duration `koanf:"peer_timeout"`
	} `koanf:"agreement"`
	Log struct {
		Level string `koanf:"level"`
	} `koanf:"log"`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestNewLoader(t *testing.T) {
	l := NewLoader()
	if l.envPrefix != DefaultEnvPrefix {
		t.Errorf("envPrefix = %q, want %q", l.envPrefix, DefaultEnvPrefix)
	}

	l = NewLoader(WithEnvPrefix("TEST_"), WithConfigFile("/path/to/config.yaml"))
	if l.envPrefix != "TEST_" {
		t.Errorf("envPrefix = %q, want %q", l.envPrefix, "TEST_")
	}
	if l.FilePath() != "/path/to/config.yaml" {
		t.Errorf("FilePath() = %q", l.FilePath())
	}
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /srv/data
  snapshot_keep: 5
`)

	l := NewLoader()
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	var cfg testConfig
	if err := l.Unmarshal(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DataDir != "/srv/data" {
		t.Errorf("storage.data_dir = %q", cfg.Storage.DataDir)
	}
	if cfg.Storage.SnapshotKeep != 5 {
		t.Errorf("storage.snapshot_keep = %d", cfg.Storage.SnapshotKeep)
	}

	if err := l.LoadFile("/nonexistent/config.yaml"); err == nil {
		t.Error("LoadFile() should return error for nonexistent file")
	}
	if err := l.LoadFile(""); err != nil {
		t.Errorf("LoadFile(\"\") should not error, got: %v", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"SNAPKEEPER_STORAGE__DATA_DIR", "storage.data_dir"},
		{"SNAPKEEPER_LOG__LEVEL", "log.level"},
		{"SNAPKEEPER_DEBUG", "debug"},
		{"SNAPKEEPER_AGREEMENT__PEER_TIMEOUT", "agreement.peer_timeout"},
	}
	for _, tt := range tests {
		if got := envKey(DefaultEnvPrefix, tt.name); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLoader_LoadEnv(t *testing.T) {
	t.Setenv("SNAPKEEPER_STORAGE__DATA_DIR", "/from/env")

	l := NewLoader()
	if err := l.LoadEnv(); err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	var cfg testConfig
	if err := l.Unmarshal(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.DataDir != "/from/env" {
		t.Errorf("storage.data_dir = %q, want %q", cfg.Storage.DataDir, "/from/env")
	}
}

func TestLoader_LoadMap(t *testing.T) {
	l := NewLoader()
	if err := l.LoadMap(map[string]any{
		"log.level":              "debug",
		"agreement.peer_timeout": "750ms",
	}); err != nil {
		t.Fatalf("LoadMap() error = %v", err)
	}
	var cfg testConfig
	if err := l.Unmarshal(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if cfg.Agreement.PeerTimeout != 750*time.Millisecond {
		t.Errorf("agreement.peer_timeout = %v, want 750ms", cfg.Agreement.PeerTimeout)
	}
}

func TestLoader_Load_Priority(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: from-file
log:
  level: warn
agreement:
  peer_timeout: 3s
`)
	t.Setenv("SNAPKEEPER_STORAGE__DATA_DIR", "from-env")
	t.Setenv("SNAPKEEPER_LOG__LEVEL", "error")

	l := NewLoader(
		WithConfigFile(path),
		WithOverrides(map[string]any{"log.level": "debug"}),
	)

	var cfg testConfig
	cfg.Storage.SnapshotKeep = 3
	if err := l.Load(&cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.DataDir != "from-env" {
		t.Errorf("DataDir = %q, env should override file", cfg.Storage.DataDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q, overrides should win", cfg.Log.Level)
	}
	if cfg.Agreement.PeerTimeout != 3*time.Second {
		t.Errorf("PeerTimeout = %v, want 3s", cfg.Agreement.PeerTimeout)
	}
	if cfg.Storage.SnapshotKeep != 3 {
		t.Errorf("SnapshotKeep = %d, unset field should keep its default", cfg.Storage.SnapshotKeep)
	}
}

func TestLoader_Reload(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	l := NewLoader(WithConfigFile(path))
	var cfg testConfig
	if err := l.Load(&cfg); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	var next testConfig
	if err := l.Reload(&next); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if next.Log.Level != "debug" {
		t.Errorf("Level after reload = %q", next.Log.Level)
	}
}

func TestLoader_Load_BadFile(t *testing.T) {
	path := writeConfig(t, "storage: [unclosed\n")
	var cfg testConfig
	if err := NewLoader(WithConfigFile(path)).Load(&cfg); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func TestMapProvider_ReadBytes(t *testing.T) {
	if _, err := (mapProvider{}).ReadBytes(); err != ErrReadBytesNotSupported {
		t.Errorf("ReadBytes() error = %v", err)
	}
}
