package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DefaultNode != "127.0.0.1:5090" {
		t.Errorf("DefaultNode = %q", cfg.DefaultNode)
	}
	if cfg.DefaultOutput != "table" {
		t.Errorf("DefaultOutput = %q, want table", cfg.DefaultOutput)
	}
	if cfg.Nodes == nil {
		t.Error("Nodes should not be nil")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()
	want := filepath.Join(".snapkeeper", "cli.yaml")
	if filepath.Base(filepath.Dir(path)) != ".snapkeeper" || filepath.Base(path) != "cli.yaml" {
		t.Errorf("DefaultConfigPath() = %q, want suffix %q", path, want)
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultNode != Default().DefaultNode {
		t.Errorf("DefaultNode = %q, want default", cfg.DefaultNode)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.yaml")
	if err := os.WriteFile(path, []byte("nodes: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for bad YAML")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cli.yaml")
	cfg := Default()
	cfg.DefaultNode = "val1"
	cfg.NodeConfig = "/etc/snapkeeper/node.yaml"
	cfg.Nodes["val1"] = "10.0.0.5:5090"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.NodeConfig != cfg.NodeConfig || got.Nodes["val1"] != "10.0.0.5:5090" {
		t.Errorf("Load() = %+v", got)
	}
	if addr := got.ResolveNode(""); addr != "10.0.0.5:5090" {
		t.Errorf("ResolveNode(\"\") = %q", addr)
	}
}

func TestResolveNode(t *testing.T) {
	cfg := Default()
	cfg.Nodes["val1"] = "10.0.0.5:5090"

	tests := []struct {
		in, want string
	}{
		{"", "127.0.0.1:5090"},
		{"val1", "10.0.0.5:5090"},
		{"http://10.0.0.9:5090", "http://10.0.0.9:5090"},
	}
	for _, tt := range tests {
		if got := cfg.ResolveNode(tt.in); got != tt.want {
			t.Errorf("ResolveNode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMerge(t *testing.T) {
	env := map[string]string{
		EnvNode:   "env-node:5090",
		EnvOutput: "yaml",
	}
	base := Default()

	got := Merge(base, func(k string) string { return env[k] }, map[string]string{"output": "json"})
	if got.DefaultNode != "env-node:5090" {
		t.Errorf("DefaultNode = %q, want env value", got.DefaultNode)
	}
	if got.DefaultOutput != "json" {
		t.Errorf("DefaultOutput = %q, flag should win", got.DefaultOutput)
	}
	if base.DefaultOutput != "table" {
		t.Error("Merge modified its input")
	}
}
