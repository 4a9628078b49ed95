package command

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeeper/internal/cli/output"
	"github.com/yndnr/snapkeeper/internal/node"
)

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show store markers, unsafe region state and snapshots of a node",
		Action: statusAction,
	}
}

// HealthCommand returns the health command.
func HealthCommand() *cli.Command {
	return &cli.Command{
		Name:   "health",
		Usage:  "Check that a node is up",
		Action: healthAction,
	}
}

// statusView renders node.Status as tables.
type statusView struct {
	*node.Status
}

func (v statusView) Table(wide bool) *output.Table {
	unclean := yesNo(v.Unclean)
	if v.UncleanErr != "" {
		unclean += " (" + v.UncleanErr + ")"
	}
	t := output.KeyValue(
		"Node", v.NodeID,
		"Participant", yesNo(v.Participant),
		"Head", strconv.FormatUint(v.Head, 10),
		"Consistent", yesNo(v.Consistent),
		"Unclean start", unclean,
		"In unsafe region", yesNo(v.Unsafe),
		"Version", v.Build.Version,
	)

	stores := output.NewTable("STORE", "LATEST")
	for _, s := range v.Stores {
		stores.AddRow(s.Name, strconv.FormatUint(s.Latest, 10))
	}
	t.AddSection("Stores", stores)
	t.AddSection("Snapshots", snapshotTable(v.Snapshots, wide))
	return t
}

func statusAction(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	st, err := nodeClient(c).Status(ctx)
	if err != nil {
		return err
	}
	if settings(c).Output != output.FormatTable {
		return render(c, st)
	}
	return render(c, statusView{st})
}

func healthAction(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
	defer cancel()

	client := nodeClient(c)
	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("node %s unhealthy: %w", client.BaseURL(), err)
	}
	if settings(c).Output != output.FormatTable {
		return render(c, h)
	}
	return render(c, output.KeyValue(
		"Node", client.BaseURL(),
		"Status", h.Status,
		"Version", h.Version,
	))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
