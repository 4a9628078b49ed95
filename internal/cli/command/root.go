package command

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeeper/internal/cli/config"
	"github.com/yndnr/snapkeeper/internal/cli/connection"
	"github.com/yndnr/snapkeeper/internal/cli/output"
	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/infra/buildinfo"
	"github.com/yndnr/snapkeeper/internal/infra/confloader"
	nodeconfig "github.com/yndnr/snapkeeper/internal/server/config"
	"github.com/yndnr/snapkeeper/internal/telemetry/logger"
)

const settingsKey = "settings"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "snapkeeper-cli",
		Usage:   "snapkeeper node operations tool",
		Version: buildinfo.String("snapkeeper-cli"),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			StatusCommand(),
			HealthCommand(),
			VoteCommand(),
			SnapshotCommand(),
			WorkspaceCommand(),
			ConfigCommand(),
		},
		Before: before,
	}
}

// ExitCode maps an error returned by the app to a process exit status.
// Domain errors in the 4xxx range are caller mistakes and exit with 2.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if !domain.IsDomainError(err, "") {
		return 1
	}
	code := domain.GetErrorCode(err)
	if i := strings.LastIndexByte(code, '-'); i >= 0 && strings.HasPrefix(code[i+1:], "4") {
		return 2
	}
	return 1
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "cli-config",
			Usage: "CLI settings file",
			Value: config.DefaultConfigPath(),
		},
		&cli.StringFlag{
			Name:    "node",
			Aliases: []string{"n"},
			Usage:   "Node RPC address or a name from the CLI settings",
		},
		&cli.StringFlag{
			Name:    "node-config",
			Aliases: []string{"c"},
			Usage:   "Node configuration file for vote, snapshot create and workspace clean",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "Show wide output (more columns)",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"V"},
			Usage:   "Log progress to stderr",
		},
	}
}

// Settings are the effective CLI settings of one invocation.
type Settings struct {
	Node       string
	NodeConfig string
	Output     output.Format
	Wide       bool
	Verbose    bool
}

func before(c *cli.Context) error {
	cfg, err := config.Load(c.String("cli-config"))
	if err != nil {
		return err
	}
	cfg = config.Merge(cfg, os.Getenv, map[string]string{
		"node":        c.String("node"),
		"output":      c.String("output"),
		"node-config": c.String("node-config"),
	})

	format, err := output.ParseFormat(cfg.DefaultOutput)
	if err != nil {
		return err
	}
	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[settingsKey] = &Settings{
		Node:       cfg.ResolveNode(""),
		NodeConfig: cfg.NodeConfig,
		Output:     format,
		Wide:       c.Bool("wide"),
		Verbose:    c.Bool("verbose"),
	}
	return nil
}

// settings returns the settings prepared by the Before hook.
func settings(c *cli.Context) *Settings {
	if s, ok := c.App.Metadata[settingsKey].(*Settings); ok {
		return s
	}
	return &Settings{Output: output.FormatTable}
}

// render writes data in the selected output format.
func render(c *cli.Context, data any) error {
	s := settings(c)
	return output.NewFormatter(s.Output, s.Wide).Format(c.App.Writer, data)
}

func nodeClient(c *cli.Context) *connection.HTTPClient {
	return connection.NewHTTPClient(settings(c).Node)
}

// cliLogger logs to stderr at debug level with --verbose and discards
// everything otherwise.
func cliLogger(c *cli.Context) *slog.Logger {
	if !settings(c).Verbose {
		return logger.Discard()
	}
	log, err := logger.New(logger.Config{Level: "debug", Format: "text", Output: errWriter(c)})
	if err != nil {
		return logger.Discard()
	}
	return log
}

func errWriter(c *cli.Context) io.Writer {
	if c.App.ErrWriter != nil {
		return c.App.ErrWriter
	}
	return os.Stderr
}

// loadNodeConfig loads the node configuration named by --node-config the
// same way the node does: defaults, file, then SNAPKEEPER_ variables.
func loadNodeConfig(c *cli.Context) (*nodeconfig.NodeConfig, error) {
	path := settings(c).NodeConfig
	opts := []confloader.Option{}
	if path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	cfg := nodeconfig.Default()
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, fmt.Errorf("load node config: %w", err)
	}
	return cfg, nil
}
