package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/urfave/cli/v2"

	"github.com/yndnr/snapkeeper/internal/agreement"
	"github.com/yndnr/snapkeeper/internal/cli/output"
	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/node"
	nodeconfig "github.com/yndnr/snapkeeper/internal/server/config"
)

// VoteCommand returns the vote command.
func VoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "vote",
		Usage: "Run a snapshot hash agreement pass over the configured participants",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "block",
				Usage: "Agree on this block instead of the highest reported boundary",
			},
			&cli.IntFlag{
				Name:  "attempts",
				Usage: "Passes to run before giving up",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Pause between passes",
				Value: 5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "peer-timeout",
				Usage: "Per-peer query timeout (default from node config)",
			},
		},
		Action: voteAction,
	}
}

// Ballot is one participant's vote slot.
type Ballot struct {
	ID       string `json:"id" yaml:"id"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Hash     string `json:"hash" yaml:"hash"`
}

// VoteResult is the outcome of one agreement pass.
type VoteResult struct {
	Block     uint64             `json:"block" yaml:"block"`
	Quorum    bool               `json:"quorum" yaml:"quorum"`
	Hash      string             `json:"hash,omitempty" yaml:"hash,omitempty"`
	Votes     int                `json:"votes" yaml:"votes"`
	Required  int                `json:"required" yaml:"required"`
	Primary   string             `json:"primary,omitempty" yaml:"primary,omitempty"`
	Fallbacks []string           `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
	Tallies   []domain.HashTally `json:"tallies" yaml:"tallies"`
	NoAnswer  int                `json:"no_answer" yaml:"no_answer"`
	Ballots   []Ballot           `json:"ballots" yaml:"ballots"`
}

// Table implements output.Tabler.
func (r *VoteResult) Table(wide bool) *output.Table {
	t := output.KeyValue(
		"Block", strconv.FormatUint(r.Block, 10),
		"Quorum", yesNo(r.Quorum),
		"Votes", fmt.Sprintf("%d (need %d of %d)", r.Votes, r.Required, len(r.Ballots)),
	)
	if r.Quorum {
		t.AddRow("Hash:", r.Hash)
		t.AddRow("Primary:", r.Primary)
		t.AddRow("Fallbacks:", strings.Join(r.Fallbacks, ", "))
	}

	tallies := output.NewTable("HASH", "VOTES")
	for _, tl := range r.Tallies {
		tallies.AddRow(tl.Hash, strconv.Itoa(tl.Votes))
	}
	tallies.AddRow("(no answer)", strconv.Itoa(r.NoAnswer))
	t.AddSection("Tally", tallies)

	if wide {
		ballots := output.NewTable("PARTICIPANT", "ENDPOINT", "HASH")
		for _, b := range r.Ballots {
			hash := b.Hash
			if hash == agreement.NoAnswer {
				hash = "-"
			}
			ballots.AddRow(b.ID, b.Endpoint, hash)
		}
		t.AddSection("Ballots", ballots)
	}
	return t
}

func voteAction(c *cli.Context) error {
	cfg, err := loadNodeConfig(c)
	if err != nil {
		return err
	}
	if len(cfg.Chain.Participants) == 0 {
		return errors.New("node config lists no chain participants")
	}
	if d := c.Duration("peer-timeout"); d > 0 {
		cfg.Agreement.PeerTimeout = d
	}

	log := cliLogger(c)
	id, err := nodeconfig.ResolveNodeID(cfg, log)
	if err != nil {
		return err
	}
	hc, err := node.NewPeerClient(cfg, 0)
	if err != nil {
		return err
	}
	ac := nodeconfig.ToAgreementConfig(cfg, id, log, nil)
	ac.Client = agreement.NewClient(hc)
	agent, err := agreement.New(ac)
	if err != nil {
		return err
	}

	block := c.Uint64("block")
	if block != 0 && block%cfg.Chain.SnapshotInterval != 0 {
		return fmt.Errorf("block %d is not a snapshot boundary (interval %d)", block, cfg.Chain.SnapshotInterval)
	}

	spin := output.NewSpinner(errWriter(c), fmt.Sprintf("Collecting votes from %d participants", agent.N()))
	if settings(c).Output == output.FormatTable && !settings(c).Verbose {
		spin.Start()
	}

	var src *agreement.Source
	pass := func() error {
		var err error
		src, err = runPass(c, agent, block)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("agreement pass failed, retrying", "error", err, "retry_in", wait)
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(c.Duration("interval"))
	if n := c.Int("attempts"); n > 0 {
		b = backoff.WithMaxRetries(b, uint64(n-1))
	}
	err = backoff.RetryNotify(pass, backoff.WithContext(b, c.Context), notify)
	spin.Stop()

	result := newVoteResult(agent, src)
	var iv *domain.InsufficientVotesError
	switch {
	case err == nil:
	case errors.As(err, &iv):
		result.Required = iv.Required
		if rerr := render(c, result); rerr != nil {
			return rerr
		}
		return errors.New("no snapshot hash reached quorum")
	default:
		return err
	}
	return render(c, result)
}

// runPass runs one agreement pass, on a fixed block when block is set.
func runPass(c *cli.Context, agent *agreement.Agent, block uint64) (*agreement.Source, error) {
	if block == 0 {
		return agent.Run(c.Context)
	}
	agent.SetTarget(block)
	agent.GetHashFromOthers(c.Context)
	if _, err := agent.VoteForHash(); err != nil {
		return nil, err
	}
	return agent.GetNodeToDownloadSnapshotFrom()
}

func newVoteResult(agent *agreement.Agent, src *agreement.Source) *VoteResult {
	tallies, silent := agent.Tally()
	r := &VoteResult{
		Block:    agent.Target(),
		Required: agreement.RequiredVotes(agent.N()),
		Tallies:  tallies,
		NoAnswer: silent,
	}
	if len(tallies) > 0 {
		r.Votes = tallies[0].Votes
	}
	votes := agent.Votes()
	for i, p := range agent.Participants() {
		r.Ballots = append(r.Ballots, Ballot{ID: p.ID, Endpoint: p.Endpoint, Hash: votes[i]})
	}
	if src != nil {
		r.Quorum = true
		r.Hash = src.Hash
		r.Votes = src.Votes
		r.Primary = src.Primary.ID
		for _, f := range src.Fallbacks {
			r.Fallbacks = append(r.Fallbacks, f.ID)
		}
	}
	return r
}
