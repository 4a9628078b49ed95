package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeeper/internal/cli/output"
	nodeconfig "github.com/yndnr/snapkeeper/internal/server/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:    "config",
		Aliases: []string{"cfg"},
		Usage:   "Configuration management",
		Subcommands: []*cli.Command{
			{
				Name:   "cli",
				Usage:  "Show the effective CLI settings",
				Action: configCLIShow,
			},
			{
				Name:  "node",
				Usage: "Node configuration",
				Subcommands: []*cli.Command{
					{
						Name:   "show",
						Usage:  "Show the merged node configuration with secrets masked",
						Action: configNodeShow,
					},
					{
						Name:      "validate",
						Usage:     "Validate a node configuration file",
						ArgsUsage: "[FILE]",
						Action:    configNodeValidate,
					},
				},
			},
		},
	}
}

func configCLIShow(c *cli.Context) error {
	s := settings(c)
	view := struct {
		File       string `json:"file" yaml:"file"`
		Node       string `json:"node" yaml:"node"`
		NodeConfig string `json:"node_config" yaml:"node_config"`
		Output     string `json:"output" yaml:"output"`
	}{
		File:       c.String("cli-config"),
		Node:       s.Node,
		NodeConfig: s.NodeConfig,
		Output:     string(s.Output),
	}
	if s.Output != output.FormatTable {
		return render(c, view)
	}
	return render(c, output.KeyValue(
		"Settings file", view.File,
		"Node", view.Node,
		"Node config", view.NodeConfig,
		"Output", view.Output,
	))
}

func configNodeShow(c *cli.Context) error {
	cfg, err := loadNodeConfig(c)
	if err != nil {
		return err
	}
	sanitized := nodeconfig.Sanitize(cfg)
	if settings(c).Output == output.FormatTable {
		// nested sections read best as YAML
		return (&output.YAMLFormatter{}).Format(c.App.Writer, sanitized)
	}
	return render(c, sanitized)
}

func configNodeValidate(c *cli.Context) error {
	if path := c.Args().First(); path != "" {
		settings(c).NodeConfig = path
	}
	cfg, err := loadNodeConfig(c)
	if err != nil {
		return err
	}
	if err := nodeconfig.Verify(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "✓ configuration is valid: %s\n", settings(c).NodeConfig)
	return nil
}
