package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yndnr/snapkeeper/internal/cli/config"
	"github.com/yndnr/snapkeeper/internal/core/domain"
)

// runApp runs snapkeeper-cli with args and returns stdout and stderr.
func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	for _, k := range []string{config.EnvNode, config.EnvOutput, config.EnvNodeConfig} {
		t.Setenv(k, "")
	}

	var stdout, stderr bytes.Buffer
	app := App()
	app.Writer = &stdout
	app.ErrWriter = &stderr

	full := append([]string{"snapkeeper-cli", "--cli-config", filepath.Join(t.TempDir(), "cli.yaml")}, args...)
	err := app.RunContext(context.Background(), full)
	return stdout.String(), stderr.String(), err
}

// writeNodeConfig writes a node configuration with bolt stores under a
// fresh data dir and returns its path and the data dir.
func writeNodeConfig(t *testing.T, participants []domain.Participant) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	var b strings.Builder
	fmt.Fprintf(&b, "node:\n  id: cli-test\n")
	fmt.Fprintf(&b, "storage:\n  data_dir: %s\n  stores:\n", dataDir)
	fmt.Fprintf(&b, "    - name: blocks\n      engine: bolt\n")
	fmt.Fprintf(&b, "    - name: state\n      engine: bolt\n")
	fmt.Fprintf(&b, "chain:\n  snapshot_interval: 10\n")
	if len(participants) > 0 {
		fmt.Fprintf(&b, "  participants:\n")
		for _, p := range participants {
			fmt.Fprintf(&b, "    - id: %s\n      endpoint: %s\n", p.ID, p.Endpoint)
		}
	}
	fmt.Fprintf(&b, "agreement:\n  peer_timeout: 2s\n")

	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatal(err)
	}
	return path, dataDir
}
