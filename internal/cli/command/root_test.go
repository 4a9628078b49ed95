package command

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/yndnr/snapkeeper/internal/core/domain"
)

func TestApp(t *testing.T) {
	app := App()
	if app.Name != "snapkeeper-cli" {
		t.Errorf("Name = %q, want snapkeeper-cli", app.Name)
	}

	names := make(map[string]bool)
	for _, cmd := range app.Commands {
		names[cmd.Name] = true
	}
	for _, want := range []string{"status", "health", "vote", "snapshot", "workspace", "config"} {
		if !names[want] {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestApp_GlobalFlags(t *testing.T) {
	names := make(map[string]bool)
	for _, f := range globalFlags() {
		names[f.Names()[0]] = true
	}
	for _, want := range []string{"cli-config", "node", "node-config", "output", "wide", "verbose"} {
		if !names[want] {
			t.Errorf("missing flag %q", want)
		}
	}
}

func TestApp_BadOutputFormat(t *testing.T) {
	_, _, err := runApp(t, "--output", "xml", "config", "cli")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("error = %v, want unknown output format", err)
	}
}

func TestConfigCLIShow(t *testing.T) {
	out, _, err := runApp(t, "--node", "10.0.0.5:5090", "-o", "yaml", "config", "cli")
	if err != nil {
		t.Fatalf("config cli: %v", err)
	}
	if !strings.Contains(out, "node: 10.0.0.5:5090") || !strings.Contains(out, "output: yaml") {
		t.Errorf("output:\n%s", out)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"node side", domain.ErrPeerUnreachable.WithCause(errors.New("refused")), 1},
		{"caller mistake", fmt.Errorf("show: %w", domain.ErrSnapshotNotFound.WithDetails("block 7")), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
