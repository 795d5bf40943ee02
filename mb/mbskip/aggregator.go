// Package mbskip aggregates validator attestations for skip blocks.
//
// When the appointed producer of a block misses its slot,
// every validator signs the same [mbconsensus.SkipBlockInfo]
// and gossips what it has collected,
// until some validator holds signatures from a quorum of slots.
package mbskip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/internal/glog"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbp2p"
)

// DefaultRebroadcastInterval is used when
// [AggregatorConfig.RebroadcastInterval] is zero.
const DefaultRebroadcastInterval = 500 * time.Millisecond

// AggregatorConfig is the configuration for [NewAggregator].
type AggregatorConfig struct {
	// Where contributions are published and received.
	Network mbp2p.SkipNetwork

	// Drives the rebroadcast ticker. Defaults to the wall clock.
	Clock clock.Clock

	// How often the local aggregate is republished
	// while quorum has not been reached,
	// so that validators joining the round late still converge.
	RebroadcastInterval time.Duration
}

func (c AggregatorConfig) validate() error {
	var err error

	if c.Network == nil {
		err = errors.Join(err, errors.New("no network set"))
	}
	if c.RebroadcastInterval < 0 {
		err = errors.Join(err, errors.New("rebroadcast interval must not be negative"))
	}

	return err
}

// Aggregator collects skip block attestations over a [mbp2p.SkipNetwork].
type Aggregator struct {
	log *slog.Logger

	net   mbp2p.SkipNetwork
	clock clock.Clock

	interval time.Duration

	// Only one round reads from the network at a time.
	mu sync.Mutex
}

// NewAggregator returns an Aggregator ready for use.
func NewAggregator(log *slog.Logger, cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid aggregator config: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	interval := cfg.RebroadcastInterval
	if interval == 0 {
		interval = DefaultRebroadcastInterval
	}

	return &Aggregator{
		log: log,

		net:   cfg.Network,
		clock: clk,

		interval: interval,
	}, nil
}

// Start signs info as the validator at slotBand
// and blocks until signatures from a quorum of vals' slots are held,
// or until ctx is canceled.
//
// Contributions for any other round are ignored.
// The only error after the local signature is added is the context's cause.
func (a *Aggregator) Start(
	ctx context.Context,
	info mbconsensus.SkipBlockInfo,
	signer gcrypto.Signer,
	slotBand uint16,
	vals mbconsensus.ValidatorSet,
) (mbconsensus.SkipBlockProof, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := glog.BN(a.log, info.BlockNumber)

	if band, ok := vals.SlotBandOf(signer.PubKey()); !ok || band != slotBand {
		return mbconsensus.SkipBlockProof{}, fmt.Errorf(
			"signer does not own slot band %d in the current validator set", slotBand,
		)
	}

	att := mbconsensus.NewSkipAttestation(info, vals)

	sig, err := signer.Sign(ctx, info.SignBytes())
	if err != nil {
		return mbconsensus.SkipBlockProof{}, fmt.Errorf("failed to sign skip block info: %w", err)
	}
	if err := att.AddSignature(sig, signer.PubKey()); err != nil {
		return mbconsensus.SkipBlockProof{}, fmt.Errorf("failed to add own skip block signature: %w", err)
	}

	need := vals.QuorumSlots()

	// Created before the first publish,
	// so a peer observing that publish can rely on the ticker existing.
	ticker := a.clock.Ticker(a.interval)
	defer ticker.Stop()

	a.publish(ctx, log, info, att)

	if have := vals.SlotsIn(att.SignatureBitSet()); have >= need {
		log.Info("Skip block quorum reached", "have_slots", have, "need_slots", need)
		return mbconsensus.SkipBlockProof{Signatures: att.AsSparse()}, nil
	}

	for {
		select {
		case <-ctx.Done():
			return mbconsensus.SkipBlockProof{}, context.Cause(ctx)

		case <-ticker.C:
			a.publish(ctx, log, info, att)

		case sc := <-a.net.IncomingSkipContributions():
			if sc.Info != info {
				continue
			}

			res := att.MergeSparse(sc.Signatures)
			if !res.AllValidSignatures {
				log.Debug("Skip contribution contained invalid signatures")
			}
			if !res.IncreasedSignatures {
				continue
			}

			a.publish(ctx, log, info, att)

			have := vals.SlotsIn(att.SignatureBitSet())
			if have >= need {
				log.Info("Skip block quorum reached", "have_slots", have, "need_slots", need)
				return mbconsensus.SkipBlockProof{Signatures: att.AsSparse()}, nil
			}
			log.Debug("Merged skip contribution", "have_slots", have, "need_slots", need)
		}
	}
}

func (a *Aggregator) publish(
	ctx context.Context,
	log *slog.Logger,
	info mbconsensus.SkipBlockInfo,
	att *gcrypto.SimpleCommonMessageSignatureProof,
) {
	sc := mbconsensus.SkipContribution{
		Info:       info,
		Signatures: att.AsSparse(),
	}
	if err := a.net.PublishSkipContribution(ctx, sc); err != nil && ctx.Err() == nil {
		log.Info("Failed to publish skip contribution", "err", err)
	}
}
