package command

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeeper/internal/cli/output"
	"github.com/yndnr/snapkeeper/internal/node"
	"github.com/yndnr/snapkeeper/internal/storage/snapshot"
)

// SnapshotCommand returns the snapshot subcommand group.
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:    "snapshot",
		Aliases: []string{"snap"},
		Usage:   "Snapshot management",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the complete snapshots of a running node",
				Action: snapshotListAction,
			},
			{
				Name:   "create",
				Usage:  "Create a snapshot at the head of a stopped node",
				Action: snapshotCreate,
			},
			{
				Name:      "verify",
				Usage:     "Check a snapshot directory against its manifest",
				ArgsUsage: "DIR",
				Action:    snapshotVerify,
			},
		},
	}
}

type snapshotRows []*snapshot.Info

func (l snapshotRows) Table(wide bool) *output.Table {
	return snapshotTable(l, wide)
}

func snapshotTable(infos []*snapshot.Info, wide bool) *output.Table {
	t := output.NewTable("MARKER", "HASH", "SIZE", "CREATED")
	if wide {
		t.SetHeaders("MARKER", "HASH", "SIZE", "CREATED", "NODE", "RUN", "PATH")
	}
	for _, info := range infos {
		row := []string{
			strconv.FormatUint(info.Marker, 10),
			info.Hash,
			strconv.FormatInt(info.Size, 10),
			time.UnixMilli(info.CreatedAt).UTC().Format(time.RFC3339),
		}
		if wide {
			row = append(row, info.NodeID, info.RunID, info.Path)
		}
		t.AddRow(row...)
	}
	return t
}

type manifestView struct {
	*snapshot.Manifest
}

func (v manifestView) Table(bool) *output.Table {
	t := output.KeyValue(
		"Marker", strconv.FormatUint(v.Marker, 10),
		"Hash", v.Hash,
		"Node", v.NodeID,
		"Run", v.RunID,
	)
	stores := output.NewTable("STORE", "FILE", "RECORDS", "SIZE")
	for _, s := range v.Stores {
		stores.AddRow(s.Name, s.File, strconv.FormatInt(s.Records, 10), strconv.FormatInt(s.Size, 10))
	}
	t.AddSection("Stores", stores)
	return t
}

func snapshotListAction(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	st, err := nodeClient(c).Status(ctx)
	if err != nil {
		return err
	}
	return render(c, snapshotRows(st.Snapshots))
}

func snapshotCreate(c *cli.Context) error {
	return withLocalNode(c, func(n *node.Node) error {
		info, err := n.CreateSnapshot(c.Context)
		if err != nil {
			return err
		}
		return render(c, snapshotRows{info})
	})
}

func snapshotVerify(c *cli.Context) error {
	dir := c.Args().First()
	if dir == "" {
		return fmt.Errorf("snapshot directory required")
	}
	m, err := snapshot.Verify(dir)
	if err != nil {
		return err
	}
	return render(c, manifestView{m})
}

// withLocalNode opens the node described by --node-config in this
// process, runs fn and closes it. The node process must be stopped; the
// store engines refuse a second owner.
func withLocalNode(c *cli.Context, fn func(*node.Node) error) error {
	cfg, err := loadNodeConfig(c)
	if err != nil {
		return err
	}
	n, err := node.Open(c.Context, cfg, node.Options{Logger: cliLogger(c)})
	if err != nil {
		return fmt.Errorf("open node (is it still running?): %w", err)
	}
	if err := fn(n); err != nil {
		n.Close()
		return err
	}
	return n.Close()
}
