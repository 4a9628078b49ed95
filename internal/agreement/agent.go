package agreement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/telemetry/metric"
)

// NoAnswer is the vote slot value of a participant that has not reported
// a hash. It never equals a well-formed hash.
const NoAnswer = ""

// Quorum reports whether count votes out of n participants reach the
// agreement threshold 3*count > 2*(n+2).
func Quorum(count, n int) bool {
	return 3*count > 2*(n+2)
}

// RequiredVotes returns the smallest vote count that reaches quorum for n
// participants.
func RequiredVotes(n int) int {
	return 2*(n+2)/3 + 1
}

// Config configures an Agent.
type Config struct {
	// NodeID is the local node's participant id. It is never chosen as a
	// download source.
	NodeID string

	// Participants is the chain-configured node set. Index i is vote slot i.
	Participants []domain.Participant

	// SnapshotInterval is the block distance between snapshot boundaries.
	SnapshotInterval uint64

	// PeerTimeout bounds every peer query.
	// Default: 10s
	PeerTimeout time.Duration

	// LocalHash, if set, supplies the local node's own vote instead of
	// querying itself over the network.
	LocalHash func(block uint64) (string, error)

	Client  *Client
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// Source is the outcome of an agreement pass.
type Source struct {
	Block     uint64               `json:"block" yaml:"block"`
	Hash      string               `json:"hash" yaml:"hash"`
	Votes     int                  `json:"votes" yaml:"votes"`
	Primary   domain.Participant   `json:"primary" yaml:"primary"`
	Fallbacks []domain.Participant `json:"fallbacks" yaml:"fallbacks"`
}

// Candidates returns the primary followed by the fallbacks.
func (s *Source) Candidates() []domain.Participant {
	return append([]domain.Participant{s.Primary}, s.Fallbacks...)
}

// Agent runs one snapshot hash agreement over a fixed participant set.
// Vote slots are rebuilt on every pass; nothing is persisted.
type Agent struct {
	cfg     Config
	client  *Client
	logger  *slog.Logger
	metrics *metric.Registry

	mu     sync.Mutex
	target uint64
	votes  []string
}

// New creates an agent.
func New(cfg Config) (*Agent, error) {
	if err := domain.ValidateParticipants(cfg.Participants); err != nil {
		return nil, fmt.Errorf("agreement: %w", err)
	}
	if cfg.SnapshotInterval == 0 {
		return nil, errors.New("agreement: snapshot interval must be positive")
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = defaultPeerTimeout
	}
	if cfg.Client == nil {
		cfg.Client = NewClient(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Agent{
		cfg:     cfg,
		client:  cfg.Client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		votes:   make([]string, len(cfg.Participants)),
	}, nil
}

// N returns the participant count.
func (a *Agent) N() int {
	return len(a.cfg.Participants)
}

// Participants returns the configured participant list.
func (a *Agent) Participants() []domain.Participant {
	return a.cfg.Participants
}

// Target returns the block the current pass agrees on.
func (a *Agent) Target() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// SetTarget fixes the block to agree on.
func (a *Agent) SetTarget(block uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = block
}

// Votes returns a copy of the vote slots.
func (a *Agent) Votes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.votes))
	copy(out, a.votes)
	return out
}

// GetBlockNumber asks the peer at endpoint for its chain head and rounds
// it down to the nearest snapshot boundary.
func (a *Agent) GetBlockNumber(ctx context.Context, endpoint string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.PeerTimeout)
	defer cancel()

	n, err := a.client.BlockNumber(ctx, endpoint)
	a.metrics.PeerQueried(MethodBlockNumber, outcome(err))
	if err != nil {
		return 0, err
	}
	return domain.RoundDown(n, a.cfg.SnapshotInterval), nil
}

// TargetBlock polls every participant's head concurrently and sets the
// target to the highest snapshot boundary that enough participants have
// reached to form a quorum: the RequiredVotes(n)-th highest reported
// boundary, or the lowest one when fewer participants answered. A single
// participant ahead of the rest does not move the target. It fails only
// if no participant answered.
func (a *Agent) TargetBlock(ctx context.Context) (uint64, error) {
	boundaries := make([]uint64, a.N())
	answered := make([]bool, a.N())

	var g errgroup.Group
	for i, p := range a.cfg.Participants {
		g.Go(func() error {
			b, err := a.GetBlockNumber(ctx, p.Endpoint)
			if err != nil {
				a.logger.Debug("block number query failed", "peer", p.ID, "error", err)
				return nil
			}
			boundaries[i] = b
			answered[i] = true
			return nil
		})
	}
	g.Wait()

	var reported []uint64
	for i := range boundaries {
		if answered[i] {
			reported = append(reported, boundaries[i])
		}
	}
	if len(reported) == 0 {
		return 0, domain.ErrPeerUnreachable.WithDetails("no participant reported a block number")
	}
	sort.Slice(reported, func(i, j int) bool { return reported[i] > reported[j] })
	target := reported[min(RequiredVotes(a.N()), len(reported))-1]

	a.SetTarget(target)
	return target, nil
}

// GetHashFromOthers resets every vote slot and asks each participant,
// concurrently, for its snapshot hash at the target block. A participant
// that fails or times out keeps NoAnswer. It returns the number of
// answers received.
func (a *Agent) GetHashFromOthers(ctx context.Context) int {
	a.mu.Lock()
	target := a.target
	for i := range a.votes {
		a.votes[i] = NoAnswer
	}
	a.mu.Unlock()

	var g errgroup.Group
	for i, p := range a.cfg.Participants {
		g.Go(func() error {
			hash, err := a.queryHash(ctx, p, target)
			if err != nil {
				a.logger.Debug("hash query failed",
					"peer", p.ID,
					"block", target,
					"error", err)
				return nil
			}
			a.mu.Lock()
			a.votes[i] = hash
			a.mu.Unlock()
			return nil
		})
	}
	g.Wait()

	answered := 0
	for _, v := range a.Votes() {
		if v != NoAnswer {
			answered++
		}
	}
	return answered
}

func (a *Agent) queryHash(ctx context.Context, p domain.Participant, block uint64) (string, error) {
	if p.ID == a.cfg.NodeID && a.cfg.LocalHash != nil {
		hash, err := a.cfg.LocalHash(block)
		if err != nil {
			return "", err
		}
		normalized, ok := NormalizeHash(hash)
		if !ok {
			return "", domain.ErrMalformedResponse.WithDetails("bad local hash " + hash)
		}
		return normalized, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.PeerTimeout)
	defer cancel()

	hash, err := a.client.SnapshotHash(ctx, p.Endpoint, block)
	a.metrics.PeerQueried(MethodGetHash, outcome(err))
	return hash, err
}

// Tally counts the votes for each reported hash, most votes first, and
// the number of slots with no answer.
func (a *Agent) Tally() ([]domain.HashTally, int) {
	counts := make(map[string]int)
	silent := 0
	for _, v := range a.Votes() {
		if v == NoAnswer {
			silent++
			continue
		}
		counts[v]++
	}

	tallies := make([]domain.HashTally, 0, len(counts))
	for h, c := range counts {
		tallies = append(tallies, domain.HashTally{Hash: h, Votes: c})
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Votes != tallies[j].Votes {
			return tallies[i].Votes > tallies[j].Votes
		}
		return tallies[i].Hash < tallies[j].Hash
	})
	return tallies, silent
}

// VoteForHash returns the hash that reaches quorum. Otherwise it returns
// *domain.InsufficientVotesError carrying the full tally. Each call is
// recorded as one finished agreement.
func (a *Agent) VoteForHash() (string, error) {
	hash, leading, err := a.decide()
	if err != nil {
		a.metrics.AgreementFinished("insufficient_votes", leading)
		return "", err
	}
	a.metrics.AgreementFinished("quorum", leading)
	return hash, nil
}

// decide applies the quorum rule to the current slots.
func (a *Agent) decide() (string, int, error) {
	n := a.N()
	tallies, silent := a.Tally()

	leading := 0
	if len(tallies) > 0 {
		leading = tallies[0].Votes
	}
	// at most one hash can reach quorum
	if len(tallies) > 0 && Quorum(tallies[0].Votes, n) {
		return tallies[0].Hash, leading, nil
	}
	return "", leading, &domain.InsufficientVotesError{
		Participants: n,
		Required:     RequiredVotes(n),
		Tallies:      tallies,
		NoAnswer:     silent,
	}
}

// GetNodeToDownloadSnapshotFrom picks the participants that voted for the
// quorum hash, excluding the local node. The first is the primary source
// and the rest are fallbacks in the order they should be tried. The order
// is rendezvous hashing of the local node id with each participant id, so
// different nodes spread their downloads over the sources. It does not
// record an agreement outcome; VoteForHash does.
func (a *Agent) GetNodeToDownloadSnapshotFrom() (*Source, error) {
	hash, _, err := a.decide()
	if err != nil {
		return nil, err
	}
	return a.sourcesFor(hash)
}

func (a *Agent) sourcesFor(hash string) (*Source, error) {
	votes := a.Votes()
	type scored struct {
		p     domain.Participant
		score uint64
	}
	var candidates []scored
	for i, p := range a.cfg.Participants {
		if votes[i] != hash || p.ID == a.cfg.NodeID {
			continue
		}
		candidates = append(candidates, scored{p: p, score: rendezvous(a.cfg.NodeID, p.ID)})
	}
	if len(candidates) == 0 {
		return nil, errors.New("agreement: no remote participant holds the agreed snapshot")
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].p.ID < candidates[j].p.ID
	})

	src := &Source{
		Block:   a.Target(),
		Hash:    hash,
		Primary: candidates[0].p,
	}
	for _, c := range candidates[1:] {
		src.Fallbacks = append(src.Fallbacks, c.p)
	}
	// includes the local vote, if any
	for _, v := range votes {
		if v == hash {
			src.Votes++
		}
	}
	return src, nil
}

// Run performs a full agreement pass: pick the target block, collect the
// votes, decide, and select the download sources.
func (a *Agent) Run(ctx context.Context) (*Source, error) {
	target, err := a.TargetBlock(ctx)
	if err != nil {
		a.metrics.AgreementFinished("no_target", 0)
		return nil, err
	}
	if target == 0 {
		a.metrics.AgreementFinished("no_target", 0)
		return nil, domain.ErrSnapshotNotFound.WithDetails("chain has not reached the first snapshot boundary")
	}

	answered := a.GetHashFromOthers(ctx)
	a.logger.Info("snapshot hash votes collected",
		"block", target,
		"answered", answered,
		"participants", a.N())

	hash, err := a.VoteForHash()
	if err != nil {
		var iv *domain.InsufficientVotesError
		if errors.As(err, &iv) {
			a.logger.Warn("no snapshot hash reached quorum",
				"block", target,
				"required", iv.Required,
				"no_answer", iv.NoAnswer,
				"tallies", iv.Tallies)
		}
		return nil, err
	}
	src, err := a.sourcesFor(hash)
	if err != nil {
		return nil, err
	}

	a.logger.Info("snapshot source selected",
		"block", src.Block,
		"hash", src.Hash,
		"primary", src.Primary.ID,
		"fallbacks", len(src.Fallbacks))
	return src, nil
}

func rendezvous(local, peer string) uint64 {
	h := murmur3.New64()
	h.Write([]byte(local))
	h.Write([]byte{0})
	h.Write([]byte(peer))
	return h.Sum64()
}
