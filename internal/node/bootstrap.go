package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yndnr/snapkeeper/internal/agreement"
	"github.com/yndnr/snapkeeper/internal/core/domain"
	"github.com/yndnr/snapkeeper/internal/storage/snapshot"
)

// ErrNoAgreement is returned by Bootstrap when the node has no
// participants to agree with.
var ErrNoAgreement = errors.New("node: no participants configured")

// Bootstrap brings an empty node up to the agreed snapshot of the
// participant set. It runs agreement passes until one succeeds, then
// downloads the snapshot from the primary source, falling back to the
// other sources in order. A node that already holds state is left alone
// unless force is set.
func (n *Node) Bootstrap(ctx context.Context, force bool) (*snapshot.Manifest, error) {
	if n.agent == nil {
		return nil, ErrNoAgreement
	}
	if head := n.Head(); head != 0 && !force {
		n.logger.Info("bootstrap skipped, node holds state", "head", head)
		return nil, nil
	}

	src, err := n.agree(ctx)
	if err != nil {
		return nil, err
	}

	var errs []error
	for i, cand := range src.Candidates() {
		if i > 0 {
			n.logger.Warn("falling back to next snapshot source",
				"source", cand.ID,
				"attempt", i+1,
				"previous_error", errs[len(errs)-1])
		}
		manifest, err := n.installFrom(ctx, cand, src)
		if err == nil {
			n.head.Store(manifest.Marker)
			n.logger.Info("bootstrap complete",
				"source", cand.ID,
				"marker", manifest.Marker,
				"hash", manifest.Hash)
			return manifest, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", cand.ID, err))

		var inconsistent *domain.InconsistentStoreSetError
		if errors.As(err, &inconsistent) || ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("node: bootstrap failed: %w", errors.Join(errs...))
}

// agree retries agreement passes at the configured interval.
func (n *Node) agree(ctx context.Context) (*agreement.Source, error) {
	var src *agreement.Source
	pass := func() error {
		var err error
		src, err = n.agent.Run(ctx)
		var inconsistent *domain.InconsistentStoreSetError
		if errors.As(err, &inconsistent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Warn("snapshot agreement failed, retrying",
			"error", err,
			"retry_in", wait)
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(n.cfg.Agreement.RetryInterval)
	if attempts := n.cfg.Agreement.MaxAttempts; attempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(attempts-1))
	}
	if err := backoff.RetryNotify(pass, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return src, nil
}

func (n *Node) installFrom(ctx context.Context, cand domain.Participant, src *agreement.Source) (*snapshot.Manifest, error) {
	in, err := n.snapshots.Receive(ctx)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	marker := domain.Marker(src.Block)
	if _, err := n.fetcher.Fetch(ctx, agreement.NormalizeEndpoint(cand.Endpoint), marker, in.Dir()); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshots.Install(ctx, in, src.Hash)
}
