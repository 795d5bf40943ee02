// Package mbproduce schedules the production of a single block.
//
// A [Producer] decides from chain state whether the local validator
// is the proposer of its target block.
// If so, it produces and commits a micro block at the scheduled time.
// Otherwise it waits for the proposer,
// and once the proposer is late it runs a skip block round
// and commits the resulting skip block.
package mbproduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/internal/glog"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// ProducerConfig is the configuration for [NewProducer].
// The Producer copies it; later changes have no effect.
type ProducerConfig struct {
	// The block to produce. Must be one past the chain head.
	BlockNumber uint32

	// The local validator's slot band.
	SlotBand uint16

	// Seed of the block preceding BlockNumber.
	PrevSeed mbconsensus.Seed

	Signer gcrypto.Signer

	// Embedded in an ordinary micro block, if this validator produces one.
	EquivocationProofs []mbconsensus.EquivocationProof

	// How long the proposer may be late before a skip block round starts.
	// Must be at least BlockSeparationTime.
	ProducerTimeout time.Duration

	// The fixed time between consecutive scheduled blocks.
	BlockSeparationTime time.Duration

	// Commit with [mbchain.UpgradableGuard.TrustedPush] instead of Push.
	TrustedPush bool

	Chain     mbchain.Chain
	TxSource  TransactionSource
	Assembler BlockAssembler
	Fallback  FallbackQuorum

	// Defaults to a [StandardTimer] on Clock.
	Timer Timer

	// Source of "now" for scheduling. Defaults to the wall clock.
	Clock clock.Clock
}

func (c ProducerConfig) validate() error {
	var err error

	if c.Signer == nil {
		err = errors.Join(err, errors.New("no signer set"))
	}
	if c.Chain == nil {
		err = errors.Join(err, errors.New("no chain set"))
	}
	if c.TxSource == nil {
		err = errors.Join(err, errors.New("no transaction source set"))
	}
	if c.Assembler == nil {
		err = errors.Join(err, errors.New("no block assembler set"))
	}
	if c.Fallback == nil {
		err = errors.Join(err, errors.New("no fallback quorum set"))
	}

	if c.BlockSeparationTime <= 0 {
		err = errors.Join(err, errors.New("block separation time must be positive"))
	}
	if c.ProducerTimeout <= 0 {
		err = errors.Join(err, errors.New("producer timeout must be positive"))
	}
	if c.ProducerTimeout < c.BlockSeparationTime {
		err = errors.Join(err, fmt.Errorf(
			"producer timeout (%s) must not be less than block separation time (%s)",
			c.ProducerTimeout, c.BlockSeparationTime,
		))
	}

	return err
}

// Event is the outcome of a Producer that committed a block.
type Event struct {
	Block  mbconsensus.Block
	Result mbconsensus.PushResult
}

// Producer yields at most one [Event] for its target block.
// Construct a new Producer for each block number.
type Producer struct {
	log *slog.Logger

	cfg ProducerConfig

	mu   sync.Mutex
	done bool
}

// NewProducer returns a Producer for cfg.BlockNumber.
// No work happens until the first call to [*Producer.Next].
func NewProducer(log *slog.Logger, cfg ProducerConfig) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Timer == nil {
		cfg.Timer = StandardTimer{Clock: cfg.Clock}
	}
	cfg.EquivocationProofs = slices.Clone(cfg.EquivocationProofs)

	return &Producer{
		log: glog.BN(log, cfg.BlockNumber),
		cfg: cfg,
	}, nil
}

// Next runs the production cycle in the calling goroutine
// until it commits a block or gives up.
//
// The first call returns the committed block's event and true,
// or false if nothing was committed.
// Every later call returns false immediately.
// Concurrent calls are serialized.
//
// Canceling ctx abandons the cycle.
// A block is only ever committed whole.
func (p *Producer) Next(ctx context.Context) (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return Event{}, false
	}
	p.done = true

	c := &cycle{
		log: p.log,
		cfg: &p.cfg,
	}
	return c.run(ctx)
}
