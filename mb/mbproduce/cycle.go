package mbproduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gordian-engine/gmicro/internal/glog"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

//go:generate go run golang.org/x/tools/cmd/stringer -type state -trimprefix=state .

type state uint8

const (
	stateAwaitTurn state = iota
	stateProducing
	stateWaiting
	stateNotOurTurn
	stateAwaitTimeout
	stateFallbackAggregation
	stateFallbackProducing
	stateCommitted
	stateAborted
)

// cycle is the state of a single run of a Producer.
//
// Chain state is re-read and re-validated after every wait.
// The only guard that survives a state transition is the one
// carried from stateAwaitTurn into stateProducing,
// and no wait happens between those two states.
type cycle struct {
	log *slog.Logger
	cfg *ProducerConfig

	state state

	// Set only between stateAwaitTurn and stateProducing.
	guard mbchain.UpgradableGuard

	expected uint64
	delay    time.Duration

	vals  mbconsensus.ValidatorSet
	proof mbconsensus.SkipBlockProof

	event Event
}

func (c *cycle) run(ctx context.Context) (Event, bool) {
	for {
		switch c.state {
		case stateAwaitTurn:
			c.awaitTurn()
		case stateProducing:
			c.produce(ctx)
		case stateWaiting:
			c.requireUnguarded()
			c.wait(ctx)
		case stateNotOurTurn:
			c.notOurTurn()
		case stateAwaitTimeout:
			c.requireUnguarded()
			c.awaitTimeout(ctx)
		case stateFallbackAggregation:
			c.requireUnguarded()
			c.aggregate(ctx)
		case stateFallbackProducing:
			c.produceSkip(ctx)

		case stateCommitted:
			return c.event, true
		case stateAborted:
			c.requireUnguarded()
			return Event{}, false

		default:
			panic(fmt.Errorf("BUG: unknown production state %s", c.state))
		}
	}
}

// requireUnguarded panics if a chain guard is held,
// which would block every other chain writer for the duration of a wait.
func (c *cycle) requireUnguarded() {
	if c.guard != nil {
		panic(fmt.Errorf("BUG: chain guard held on entry to %s", c.state))
	}
}

func (c *cycle) abort(reason string, attrs ...any) {
	c.log.Debug("Production cycle aborted", append([]any{"reason", reason, "from", c.state}, attrs...)...)
	c.state = stateAborted
}

func (c *cycle) now() uint64 {
	return uint64(c.cfg.Clock.Now().UnixMilli())
}

// inCurrentState reports whether view's head is still
// the parent this cycle was created for.
func (c *cycle) inCurrentState(view mbchain.View) bool {
	head := view.Head()
	return head.Seed == c.cfg.PrevSeed && head.Number+1 == c.cfg.BlockNumber
}

func (c *cycle) staleAbort(view mbchain.View) {
	head := view.Head()
	c.abort(
		"chain no longer matches production context",
		"head_number", head.Number,
		"head_seed", head.Seed,
	)
}

func (c *cycle) awaitTurn() {
	g := c.cfg.Chain.UpgradableRead()

	c.expected = ExpectedTimestamp(g, c.cfg.BlockSeparationTime)

	if !c.inCurrentState(g) {
		c.staleAbort(g)
		g.Release()
		return
	}

	if !IsOurTurn(c.log, g, c.cfg.BlockNumber, c.cfg.SlotBand, c.cfg.PrevSeed.Entropy()) {
		g.Release()
		c.state = stateNotOurTurn
		return
	}

	now := c.now()
	if c.expected <= now {
		c.guard = g
		c.state = stateProducing
		return
	}

	g.Release()
	c.delay = time.Duration(c.expected-now) * time.Millisecond
	c.state = stateWaiting
}

func (c *cycle) produce(ctx context.Context) {
	g := c.guard
	c.guard = nil

	ts := max(g.Timestamp(), c.now())

	budget := mbconsensus.AvailableBodyBytes(len(c.cfg.EquivocationProofs))
	control, used := c.cfg.TxSource.ControlTransactionsFor(ctx, g, budget)
	regular, _ := c.cfg.TxSource.TransactionsFor(ctx, g, max(budget-used, 0))

	b, err := c.cfg.Assembler.NextMicroBlock(
		ctx, g, ts,
		c.cfg.EquivocationProofs,
		slices.Concat(control, regular),
		nil,
		nil,
	)
	if err != nil {
		g.Release()
		c.log.Error("Failed to assemble block", "err", err)
		c.state = stateAborted
		return
	}

	res, err := c.push(ctx, g, b)
	if err != nil {
		c.log.Error("Failed to push our own block onto the chain", "err", err)
		c.state = stateAborted
		return
	}

	c.log.Info(
		"Produced block",
		"timestamp", b.Timestamp,
		"n_txs", len(b.Transactions),
		"hash", glog.Hex(b.Hash),
	)
	c.commit(b, res)
}

func (c *cycle) wait(ctx context.Context) {
	ch, cancel := c.cfg.Timer.ProductionTimer(ctx, c.cfg.BlockNumber, c.delay)
	defer cancel()

	select {
	case <-ctx.Done():
		c.abort("context canceled while waiting to produce", "cause", context.Cause(ctx))
	case <-ch:
		c.state = stateAwaitTurn
	}
}

func (c *cycle) notOurTurn() {
	c.delay = FallbackDelay(c.now(), c.expected, c.cfg.ProducerTimeout, c.cfg.BlockSeparationTime)
	c.state = stateAwaitTimeout
}

func (c *cycle) awaitTimeout(ctx context.Context) {
	ch, cancel := c.cfg.Timer.FallbackTimer(ctx, c.cfg.BlockNumber, c.delay)
	defer cancel()

	select {
	case <-ctx.Done():
		c.abort("context canceled while waiting for proposer", "cause", context.Cause(ctx))
		return
	case <-ch:
	}

	c.log.Info("No micro block received within timeout, producing skip block")

	r := c.cfg.Chain.Read()
	defer r.Release()

	if !c.inCurrentState(r) {
		c.staleAbort(r)
		return
	}

	c.vals = r.CurrentValidators()
	c.state = stateFallbackAggregation
}

func (c *cycle) aggregate(ctx context.Context) {
	info := mbconsensus.SkipBlockInfo{
		BlockNumber: c.cfg.BlockNumber,
		VRFEntropy:  c.cfg.PrevSeed.Entropy(),
	}

	proof, err := c.cfg.Fallback.Start(ctx, info, c.cfg.Signer, c.cfg.SlotBand, c.vals)
	if err != nil {
		c.abort("skip block round ended without a proof", "err", err)
		return
	}

	c.proof = proof
	c.state = stateFallbackProducing
}

func (c *cycle) produceSkip(ctx context.Context) {
	g := c.cfg.Chain.UpgradableRead()

	if !c.inCurrentState(g) {
		c.staleAbort(g)
		g.Release()
		return
	}

	ts := g.Timestamp() + uint64(c.cfg.ProducerTimeout.Milliseconds())

	b, err := c.cfg.Assembler.NextMicroBlock(ctx, g, ts, nil, nil, nil, &c.proof)
	if err != nil {
		g.Release()
		c.log.Error("Failed to assemble skip block", "err", err)
		c.state = stateAborted
		return
	}

	res, err := c.push(ctx, g, b)
	if err != nil {
		c.log.Error("Failed to push our own block onto the chain", "err", err)
		c.state = stateAborted
		return
	}

	c.log.Info("Skip block pushed", "timestamp", b.Timestamp, "hash", glog.Hex(b.Hash))
	c.commit(b, res)
}

// push commits b through g, which is always released afterward.
func (c *cycle) push(ctx context.Context, g mbchain.UpgradableGuard, b mbconsensus.Block) (mbconsensus.PushResult, error) {
	if c.cfg.TrustedPush {
		return g.TrustedPush(ctx, b)
	}
	return g.Push(ctx, b)
}

func (c *cycle) commit(b mbconsensus.Block, res mbconsensus.PushResult) {
	if res == 0 {
		panic(errors.New("BUG: push succeeded without a result"))
	}
	c.event = Event{Block: b, Result: res}
	c.state = stateCommitted
}
