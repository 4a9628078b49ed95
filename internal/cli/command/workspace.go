package command

import (
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeeper/internal/cli/output"
	"github.com/yndnr/snapkeeper/internal/node"
)

// WorkspaceCommand returns the workspace subcommand group.
func WorkspaceCommand() *cli.Command {
	return &cli.Command{
		Name:  "workspace",
		Usage: "Snapshot workspace maintenance",
		Subcommands: []*cli.Command{
			{
				Name:   "clean",
				Usage:  "Remove incomplete and expired snapshot workspaces of a stopped node",
				Action: workspaceClean,
			},
		},
	}
}

// CleanResult reports a workspace clean run.
type CleanResult struct {
	Removed int    `json:"removed" yaml:"removed"`
	Kept    int    `json:"kept" yaml:"kept"`
	Dir     string `json:"dir" yaml:"dir"`
}

func (r CleanResult) Table(bool) *output.Table {
	return output.KeyValue(
		"Directory", r.Dir,
		"Removed", strconv.Itoa(r.Removed),
		"Kept", strconv.Itoa(r.Kept),
	)
}

func workspaceClean(c *cli.Context) error {
	return withLocalNode(c, func(n *node.Node) error {
		removed, err := n.Snapshots().Prune()
		if err != nil {
			return err
		}
		infos, err := n.Snapshots().List()
		if err != nil {
			return err
		}
		return render(c, CleanResult{Removed: removed, Kept: len(infos), Dir: n.Snapshots().Dir()})
	})
}
