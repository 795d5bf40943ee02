package mbproduce_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gmicro/internal/gtest"
	"github.com/gordian-engine/gmicro/mb/mbassemble"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbconsensus/mbconsensustest"
	"github.com/gordian-engine/gmicro/mb/mbmempool"
	"github.com/gordian-engine/gmicro/mb/mbproduce"
	"github.com/gordian-engine/gmicro/mb/mbproduce/mbproducetest"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	Cons     *mbconsensustest.Fixture
	Chain    *mbchain.Blockchain
	Pool     *mbmempool.Pool
	Clock    *clock.Mock
	Timer    *mbproducetest.MockTimer
	Fallback *mbproducetest.FallbackQuorum
}

// newFixture returns a fixture of four single-slot validators.
// With the round robin selector, block n is produced by slot band n%4.
func newFixture(t *testing.T, ctx context.Context, sel mbconsensus.ProposerSelector) *fixture {
	t.Helper()

	log := gtest.NewLogger(t)
	fx := mbconsensustest.NewFixture(4)

	c, err := mbchain.NewBlockchain(ctx, log, mbchain.BlockchainConfig{
		Genesis:          fx.Genesis(),
		Validators:       fx.Validators,
		ProposerSelector: sel,
		ProducerTimeout:  fx.ProducerTimeout,
	})
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.UnixMilli(int64(fx.GenesisTimestamp)))

	poolCtx, cancel := context.WithCancel(ctx)
	pool := mbmempool.New(poolCtx, log, mbmempool.PoolConfig{Clock: clk})
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	return &fixture{
		Cons:     fx,
		Chain:    c,
		Pool:     pool,
		Clock:    clk,
		Timer:    new(mbproducetest.MockTimer),
		Fallback: mbproducetest.NewFallbackQuorum(),
	}
}

func (f *fixture) Head() mbconsensus.Block {
	r := f.Chain.Read()
	defer r.Release()
	return r.Head()
}

// ExtendTo pushes ordinary micro blocks from their scheduled proposers
// until the head is at n.
func (f *fixture) ExtendTo(t *testing.T, ctx context.Context, n uint32) {
	t.Helper()

	for head := f.Head(); head.Number < n; head = f.Head() {
		next := head.Number + 1
		b := f.Cons.NextMicroBlock(ctx, head, uint16(next%4), nil)
		res, err := f.Chain.Push(ctx, b)
		require.NoError(t, err)
		require.Equal(t, mbconsensus.PushExtended, res)
	}
}

func (f *fixture) SetClockMs(ms uint64) {
	f.Clock.Set(time.UnixMilli(int64(ms)))
}

// ProducerConfig returns a config for the block after the current head,
// for the validator at slotBand.
func (f *fixture) ProducerConfig(slotBand uint16) mbproduce.ProducerConfig {
	head := f.Head()
	signer := f.Cons.PrivVals[slotBand].Signer
	return mbproduce.ProducerConfig{
		BlockNumber: head.Number + 1,
		SlotBand:    slotBand,
		PrevSeed:    head.Seed,
		Signer:      signer,

		ProducerTimeout:     f.Cons.ProducerTimeout,
		BlockSeparationTime: f.Cons.BlockSeparationTime,

		Chain:     f.Chain,
		TxSource:  f.Pool,
		Assembler: mbassemble.Assembler{Signer: signer},
		Fallback:  f.Fallback,
		Timer:     f.Timer,
		Clock:     f.Clock,
	}
}

func (f *fixture) NewProducer(t *testing.T, cfg mbproduce.ProducerConfig) *mbproduce.Producer {
	t.Helper()

	p, err := mbproduce.NewProducer(gtest.NewLogger(t), cfg)
	require.NoError(t, err)
	return p
}

// RequireUnlocked fails t if any chain guard is still held.
func (f *fixture) RequireUnlocked(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		f.Chain.UpgradableRead().Release()
		close(done)
	}()
	_ = gtest.ReceiveSoon(t, done)
}

type nextResult struct {
	Event mbproduce.Event
	OK    bool
}

func runNext(ctx context.Context, p *mbproduce.Producer) <-chan nextResult {
	ch := make(chan nextResult, 1)
	go func() {
		ev, ok := p.Next(ctx)
		ch <- nextResult{Event: ev, OK: ok}
	}()
	return ch
}

func TestProducer_ourTurnNow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.ExtendTo(t, ctx, 10)

	// Block 11 is scheduled at genesis + 11 separations; we are 250ms late.
	scheduled := f.Cons.GenesisTimestamp + 11_000
	f.SetClockMs(scheduled + 250)

	cfg := f.ProducerConfig(3)
	cfg.EquivocationProofs = []mbconsensus.EquivocationProof{
		{Offender: 1, BlockNumber: 4, HashA: []byte("a"), HashB: []byte("b")},
	}
	p := f.NewProducer(t, cfg)

	ev, ok := p.Next(ctx)
	require.True(t, ok)
	require.Equal(t, mbconsensus.PushExtended, ev.Result)
	require.Equal(t, uint32(11), ev.Block.Number)
	require.Equal(t, scheduled+250, ev.Block.Timestamp)
	require.Equal(t, uint16(3), ev.Block.ProposerSlot)
	require.False(t, ev.Block.IsSkip())
	require.Equal(t, cfg.EquivocationProofs, ev.Block.EquivocationProofs)

	require.True(t, ev.Block.Equal(f.Head()))

	f.Timer.RequireNoActiveTimer(t)
	gtest.NotSending(t, f.Fallback.Starts())
	f.RequireUnlocked(t)

	// Only one event, ever.
	_, ok = p.Next(ctx)
	require.False(t, ok)
}

func TestProducer_trustedPush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.SetClockMs(f.Cons.GenesisTimestamp + 1_000)

	cfg := f.ProducerConfig(1)
	cfg.TrustedPush = true

	ev, ok := f.NewProducer(t, cfg).Next(ctx)
	require.True(t, ok)
	require.Equal(t, uint32(1), ev.Block.Number)
	require.True(t, ev.Block.Equal(f.Head()))
}

func TestProducer_byteBudget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.SetClockMs(f.Cons.GenesisTimestamp + 1_000)

	control := mbconsensus.Transaction{Sender: "val", Control: true, ValidityStart: 1, Data: make([]byte, 30_000)}
	require.NoError(t, f.Pool.AddTransaction(ctx, control))

	regular := make([]mbconsensus.Transaction, 4)
	for i := range regular {
		regular[i] = mbconsensus.Transaction{
			Sender:        "user",
			Nonce:         uint64(i),
			Fee:           uint64(100 - i),
			ValidityStart: 1,
			Data:          make([]byte, 30_000),
		}
		require.NoError(t, f.Pool.AddTransaction(ctx, regular[i]))
	}

	cfg := f.ProducerConfig(1)
	cfg.EquivocationProofs = []mbconsensus.EquivocationProof{
		{Offender: 2, BlockNumber: 0, HashA: []byte("x"), HashB: []byte("y")},
	}

	ev, ok := f.NewProducer(t, cfg).Next(ctx)
	require.True(t, ok)

	txs := ev.Block.Transactions
	require.LessOrEqual(t, mbconsensus.TransactionBytes(txs), mbconsensus.AvailableBodyBytes(1))

	// The control transaction is selected first, then regular ones by fee.
	require.Equal(t, []mbconsensus.Transaction{control, regular[0], regular[1]}, txs)
}

func TestProducer_ourTurnLater(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.ExtendTo(t, ctx, 10)

	scheduled := f.Cons.GenesisTimestamp + 11_000
	f.SetClockMs(scheduled - 500)

	p := f.NewProducer(t, f.ProducerConfig(3))

	started := f.Timer.ProductionStartNotification(11)
	resCh := runNext(ctx, p)

	_ = gtest.ReceiveSoon(t, started)
	f.Timer.RequireActiveProductionTimer(t, 11, 500*time.Millisecond)
	gtest.NotSending(t, resCh)

	// The chain is not held while waiting.
	f.RequireUnlocked(t)

	f.Clock.Add(500 * time.Millisecond)
	require.NoError(t, f.Timer.ElapseProductionTimer(11))

	res := gtest.ReceiveSoon(t, resCh)
	require.True(t, res.OK)
	require.Equal(t, uint32(11), res.Event.Block.Number)
	require.Equal(t, scheduled, res.Event.Block.Timestamp)

	gtest.NotSending(t, f.Fallback.Starts())
	f.RequireUnlocked(t)
}

func TestProducer_headAdvancedWhileWaiting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.ExtendTo(t, ctx, 10)

	f.SetClockMs(f.Cons.GenesisTimestamp + 11_000 - 500)

	p := f.NewProducer(t, f.ProducerConfig(3))

	started := f.Timer.ProductionStartNotification(11)
	resCh := runNext(ctx, p)
	_ = gtest.ReceiveSoon(t, started)

	// Block 11 arrives from elsewhere, signed with the same key.
	other := f.Cons.NextMicroBlock(ctx, f.Head(), 3, []mbconsensus.Transaction{
		{Sender: "elsewhere", ValidityStart: 1},
	})
	_, err := f.Chain.Push(ctx, other)
	require.NoError(t, err)

	f.Clock.Add(500 * time.Millisecond)
	require.NoError(t, f.Timer.ElapseProductionTimer(11))

	res := gtest.ReceiveSoon(t, resCh)
	require.False(t, res.OK)

	require.True(t, other.Equal(f.Head()))
	gtest.NotSending(t, f.Fallback.Starts())
	f.RequireUnlocked(t)
}

func TestProducer_canceledWhileWaiting(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.SetClockMs(f.Cons.GenesisTimestamp)

	started := f.Timer.ProductionStartNotification(1)
	resCh := runNext(ctx, f.NewProducer(t, f.ProducerConfig(1)))
	_ = gtest.ReceiveSoon(t, started)

	cancel()

	res := gtest.ReceiveSoon(t, resCh)
	require.False(t, res.OK)
	f.Timer.RequireNoActiveTimer(t)
	require.Zero(t, f.Head().Number)
}

func TestProducer_fallback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.ExtendTo(t, ctx, 10)

	head := f.Head()
	f.SetClockMs(head.Timestamp)

	// Block 11 belongs to slot band 3.
	p := f.NewProducer(t, f.ProducerConfig(0))

	started := f.Timer.FallbackStartNotification(11)
	resCh := runNext(ctx, p)
	_ = gtest.ReceiveSoon(t, started)

	// Scheduled at head+1s, plus the 3s the timeout exceeds the separation.
	f.Timer.RequireActiveFallbackTimer(t, 11, 4*time.Second)
	f.RequireUnlocked(t)

	f.Clock.Add(4 * time.Second)
	require.NoError(t, f.Timer.ElapseFallbackTimer(11))

	req := gtest.ReceiveSoon(t, f.Fallback.Starts())
	wantInfo := mbconsensus.SkipBlockInfo{BlockNumber: 11, VRFEntropy: head.Seed.Entropy()}
	require.Equal(t, wantInfo, req.Info)
	require.Equal(t, uint16(0), req.SlotBand)
	require.True(t, f.Cons.PrivVals[0].Signer.PubKey().Equal(req.Signer.PubKey()))
	require.Equal(t, f.Cons.Validators.PubKeyHash, req.Validators.PubKeyHash)

	// Aggregation does not hold the chain.
	f.RequireUnlocked(t)

	req.Respond(f.Cons.QuorumSkipProof(ctx, wantInfo), nil)

	res := gtest.ReceiveSoon(t, resCh)
	require.True(t, res.OK)
	require.Equal(t, mbconsensus.PushExtended, res.Event.Result)

	b := res.Event.Block
	require.True(t, b.IsSkip())
	require.Equal(t, uint32(11), b.Number)
	require.Equal(t, head.Timestamp+uint64(f.Cons.ProducerTimeout.Milliseconds()), b.Timestamp)
	require.Empty(t, b.Transactions)
	require.True(t, b.Equal(f.Head()))

	f.RequireUnlocked(t)
}

func TestProducer_fallbackDelayAnchoredToSchedule(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.ExtendTo(t, ctx, 10)

	// Entering well before the schedule: block 11 is expected at genesis+11s.
	// The fallback fires at expected+3s, which is 7s from now.
	f.SetClockMs(f.Cons.GenesisTimestamp + 7_000)

	started := f.Timer.FallbackStartNotification(11)
	_ = runNext(ctx, f.NewProducer(t, f.ProducerConfig(0)))
	_ = gtest.ReceiveSoon(t, started)

	f.Timer.RequireActiveFallbackTimer(t, 11, 7*time.Second)
}

func TestProducer_headAdvancedBeforeFallbackTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.ExtendTo(t, ctx, 10)
	f.SetClockMs(f.Head().Timestamp)

	started := f.Timer.FallbackStartNotification(11)
	resCh := runNext(ctx, f.NewProducer(t, f.ProducerConfig(0)))
	_ = gtest.ReceiveSoon(t, started)

	// The proposer was only slow.
	late := f.Cons.NextMicroBlock(ctx, f.Head(), 3, nil)
	_, err := f.Chain.Push(ctx, late)
	require.NoError(t, err)

	require.NoError(t, f.Timer.ElapseFallbackTimer(11))

	res := gtest.ReceiveSoon(t, resCh)
	require.False(t, res.OK)
	gtest.NotSending(t, f.Fallback.Starts())
	require.True(t, late.Equal(f.Head()))
}

func TestProducer_headAdvancedDuringAggregation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.ExtendTo(t, ctx, 10)
	head := f.Head()
	f.SetClockMs(head.Timestamp)

	started := f.Timer.FallbackStartNotification(11)
	resCh := runNext(ctx, f.NewProducer(t, f.ProducerConfig(0)))
	_ = gtest.ReceiveSoon(t, started)
	require.NoError(t, f.Timer.ElapseFallbackTimer(11))

	req := gtest.ReceiveSoon(t, f.Fallback.Starts())

	late := f.Cons.NextMicroBlock(ctx, head, 3, nil)
	_, err := f.Chain.Push(ctx, late)
	require.NoError(t, err)

	req.Respond(f.Cons.QuorumSkipProof(ctx, req.Info), nil)

	res := gtest.ReceiveSoon(t, resCh)
	require.False(t, res.OK)

	// The skip block was never pushed, so it did not rebranch over the late block.
	require.True(t, late.Equal(f.Head()))
	f.RequireUnlocked(t)
}

func TestProducer_fallbackCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.SetClockMs(f.Cons.GenesisTimestamp)

	started := f.Timer.FallbackStartNotification(1)
	resCh := runNext(ctx, f.NewProducer(t, f.ProducerConfig(0)))
	_ = gtest.ReceiveSoon(t, started)
	require.NoError(t, f.Timer.ElapseFallbackTimer(1))

	_ = gtest.ReceiveSoon(t, f.Fallback.Starts())
	cancel()

	res := gtest.ReceiveSoon(t, resCh)
	require.False(t, res.OK)
	require.Zero(t, f.Head().Number)
}

type prunedSelector struct{}

func (prunedSelector) Proposer(_ mbconsensus.ValidatorSet, n uint32, _ mbconsensus.Entropy) (uint16, error) {
	return 0, mbconsensus.PrunedContextError{BlockNumber: n, MacroNumber: n}
}

func TestProducer_proposerLookupFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, prunedSelector{})
	f.SetClockMs(f.Cons.GenesisTimestamp)

	started := f.Timer.FallbackStartNotification(1)
	resCh := runNext(ctx, f.NewProducer(t, f.ProducerConfig(0)))
	_ = gtest.ReceiveSoon(t, started)

	f.Timer.RequireActiveFallbackTimer(t, 1, 4*time.Second)
	require.NoError(t, f.Timer.ElapseFallbackTimer(1))

	req := gtest.ReceiveSoon(t, f.Fallback.Starts())
	req.Respond(f.Cons.QuorumSkipProof(ctx, req.Info), nil)

	res := gtest.ReceiveSoon(t, resCh)
	require.True(t, res.OK)
	require.True(t, res.Event.Block.IsSkip())
	require.Equal(t, uint32(1), res.Event.Block.Number)
}

// corruptingAssembler changes blocks after they are hashed,
// so the chain rejects them.
type corruptingAssembler struct {
	mbassemble.Assembler
}

func (a corruptingAssembler) NextMicroBlock(
	ctx context.Context,
	view mbchain.View,
	timestamp uint64,
	eqProofs []mbconsensus.EquivocationProof,
	txs []mbconsensus.Transaction,
	extraData []byte,
	skipProof *mbconsensus.SkipBlockProof,
) (mbconsensus.Block, error) {
	b, err := a.Assembler.NextMicroBlock(ctx, view, timestamp, eqProofs, txs, extraData, skipProof)
	b.Timestamp++
	return b, err
}

func TestProducer_pushRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.SetClockMs(f.Cons.GenesisTimestamp + 1_000)

	cfg := f.ProducerConfig(1)
	cfg.Assembler = corruptingAssembler{Assembler: mbassemble.Assembler{Signer: cfg.Signer}}

	_, ok := f.NewProducer(t, cfg).Next(ctx)
	require.False(t, ok)
	require.Zero(t, f.Head().Number)
	f.RequireUnlocked(t)
}

func TestProducer_staleContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.SetClockMs(f.Cons.GenesisTimestamp + 5_000)

	cfg := f.ProducerConfig(1)
	f.ExtendTo(t, ctx, 1)

	_, ok := f.NewProducer(t, cfg).Next(ctx)
	require.False(t, ok)
	f.Timer.RequireNoActiveTimer(t)
	f.RequireUnlocked(t)
}

func TestProducer_Next_concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	f.SetClockMs(f.Cons.GenesisTimestamp + 1_000)

	p := f.NewProducer(t, f.ProducerConfig(1))

	const n = 8
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := p.Next(ctx)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	var events int
	for ok := range results {
		if ok {
			events++
		}
	}
	require.Equal(t, 1, events)
}

func TestNewProducer_invalidConfig(t *testing.T) {
	t.Parallel()

	_, err := mbproduce.NewProducer(gtest.NewLogger(t), mbproduce.ProducerConfig{
		ProducerTimeout:     time.Second,
		BlockSeparationTime: 2 * time.Second,
	})
	require.ErrorContains(t, err, "no signer set")
	require.ErrorContains(t, err, "no chain set")
	require.ErrorContains(t, err, "no transaction source set")
	require.ErrorContains(t, err, "no block assembler set")
	require.ErrorContains(t, err, "no fallback quorum set")
	require.ErrorContains(t, err, "must not be less than block separation time")
}
