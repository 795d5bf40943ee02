package mbdriver_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gmicro/gwatchdog"
	"github.com/gordian-engine/gmicro/internal/gtest"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbconsensus/mbconsensustest"
	"github.com/gordian-engine/gmicro/mb/mbdriver"
	"github.com/gordian-engine/gmicro/mb/mbmempool"
	"github.com/gordian-engine/gmicro/mb/mbp2p/mbp2ptest"
	"github.com/gordian-engine/gmicro/mb/mbskip"
	"github.com/stretchr/testify/require"
)

type harness struct {
	Fx  *mbconsensustest.Fixture
	Net *mbp2ptest.LoopbackNetwork
}

// newHarness returns a harness for nVals validators on a loopback network,
// with a genesis at the current wall clock time
// and timings short enough to produce several blocks per second.
func newHarness(t *testing.T, ctx context.Context, nVals int) *harness {
	t.Helper()

	fx := mbconsensustest.NewFixture(nVals)
	fx.BlockSeparationTime = time.Duration(gtest.ScaleMs(50))
	fx.ProducerTimeout = time.Duration(gtest.ScaleMs(250))
	fx.GenesisTimestamp = uint64(time.Now().UnixMilli())

	ctx, cancel := context.WithCancel(ctx)
	net := mbp2ptest.NewLoopbackNetwork(ctx, gtest.NewLogger(t))
	t.Cleanup(func() {
		cancel()
		net.Wait()
	})

	return &harness{Fx: fx, Net: net}
}

type node struct {
	Chain *mbchain.Blockchain
	Pool  *mbmempool.Pool
}

// NewChain returns a chain starting at the harness genesis.
func (h *harness) NewChain(t *testing.T, ctx context.Context) *mbchain.Blockchain {
	t.Helper()

	c, err := mbchain.NewBlockchain(ctx, gtest.NewLogger(t), mbchain.BlockchainConfig{
		Genesis:          h.Fx.Genesis(),
		Validators:       h.Fx.Validators,
		ProposerSelector: mbconsensus.RoundRobin{},
		ProducerTimeout:  h.Fx.ProducerTimeout,
	})
	require.NoError(t, err)
	return c
}

// StartNode starts a driver for the validator at slotBand,
// or a follower if slotBand is negative.
func (h *harness) StartNode(t *testing.T, ctx context.Context, slotBand int) node {
	t.Helper()

	log := gtest.NewLogger(t)
	if slotBand >= 0 {
		log = log.With("slot_band", slotBand)
	} else {
		log = log.With("follower", true)
	}

	ctx, cancel := context.WithCancel(ctx)

	c := h.NewChain(t, ctx)
	pool := mbmempool.New(ctx, log.With("sys", "mempool"), mbmempool.PoolConfig{})

	conn, err := h.Net.Connect(ctx)
	require.NoError(t, err)

	opts := []mbdriver.Opt{
		mbdriver.WithChain(c),
		mbdriver.WithConnection(conn),
		mbdriver.WithMempool(pool),
		mbdriver.WithTiming(h.Fx.BlockSeparationTime, h.Fx.ProducerTimeout),
	}

	if slotBand >= 0 {
		agg, err := mbskip.NewAggregator(log.With("sys", "skip"), mbskip.AggregatorConfig{
			Network:             conn,
			RebroadcastInterval: h.Fx.BlockSeparationTime,
		})
		require.NoError(t, err)

		opts = append(
			opts,
			mbdriver.WithSigner(h.Fx.PrivVals[slotBand].Signer),
			mbdriver.WithFallbackQuorum(agg),
		)
	}

	d, err := mbdriver.New(ctx, log.With("sys", "driver"), opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		d.Wait()
		pool.Wait()
	})

	return node{Chain: c, Pool: pool}
}

func waitForHeight(t *testing.T, c *mbchain.Blockchain, n uint32) {
	t.Helper()

	timeout := time.NewTimer(time.Duration(gtest.ScaleMs(10_000)))
	defer timeout.Stop()

	for {
		changed := c.HeadChanged()

		r := c.Read()
		h := r.BlockNumber()
		r.Release()
		if h >= n {
			return
		}

		select {
		case <-changed:
		case <-timeout.C:
			t.Fatalf("chain did not reach height %d (stuck at %d)", n, h)
		}
	}
}

func requireSameBlocks(t *testing.T, ctx context.Context, through uint32, chains ...*mbchain.Blockchain) {
	t.Helper()

	for n := uint32(1); n <= through; n++ {
		want, err := chains[0].BlockByNumber(ctx, n)
		require.NoError(t, err)

		for i, c := range chains[1:] {
			got, err := c.BlockByNumber(ctx, n)
			require.NoError(t, err)
			require.Equalf(t, want.Hash, got.Hash, "chain %d differs at block %d", i+1, n)
		}
	}
}

func TestDriver_allOnline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, 4)

	nodes := make([]node, 4)
	for i := range nodes {
		nodes[i] = h.StartNode(t, ctx, i)
	}

	// Slot band 1 proposes blocks 1 and 5 under round robin.
	tx := mbconsensus.Transaction{Sender: "alice", Fee: 1, ValidityStart: 1, Data: []byte("hello")}
	require.NoError(t, nodes[1].Pool.AddTransaction(ctx, tx))

	follower := h.StartNode(t, ctx, -1)

	for _, n := range nodes {
		waitForHeight(t, n.Chain, 6)
	}
	waitForHeight(t, follower.Chain, 6)

	requireSameBlocks(t, ctx, 4, nodes[0].Chain, nodes[1].Chain, nodes[2].Chain, nodes[3].Chain, follower.Chain)

	var included bool
	for n := uint32(1); n <= 6 && !included; n++ {
		b, err := follower.Chain.BlockByNumber(ctx, n)
		require.NoError(t, err)
		for _, got := range b.Transactions {
			if bytes.Equal(got.Hash(), tx.Hash()) {
				included = true
			}
		}
	}
	require.True(t, included, "transaction was never included")
}

func TestDriver_offlineProposerIsSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, 4)

	// Slot band 3 never runs, so block 3 can only be a skip block.
	// The remaining three slots are exactly a quorum of four.
	var chains []*mbchain.Blockchain
	for i := range 3 {
		chains = append(chains, h.StartNode(t, ctx, i).Chain)
	}

	for _, c := range chains {
		waitForHeight(t, c, 5)
	}

	requireSameBlocks(t, ctx, 4, chains...)

	for _, c := range chains {
		b, err := c.BlockByNumber(ctx, 3)
		require.NoError(t, err)
		require.True(t, b.IsSkip())
		require.Empty(t, b.Transactions)

		parent, err := c.BlockByNumber(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, parent.Timestamp+uint64(h.Fx.ProducerTimeout.Milliseconds()), b.Timestamp)
	}
}

func TestDriver_followerBuffersOutOfOrderBlocks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, 4)
	follower := h.StartNode(t, ctx, -1)

	pub, err := h.Net.Connect(ctx)
	require.NoError(t, err)

	b1 := h.Fx.NextMicroBlock(ctx, h.Fx.Genesis(), 1, nil)
	b2 := h.Fx.NextMicroBlock(ctx, b1, 2, nil)
	b3 := h.Fx.NextMicroBlock(ctx, b2, 3, nil)

	require.NoError(t, pub.PublishBlock(ctx, b3))
	require.NoError(t, pub.PublishBlock(ctx, b2))
	require.NoError(t, pub.PublishBlock(ctx, b1))

	waitForHeight(t, follower.Chain, 3)

	got, err := follower.Chain.BlockByNumber(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, b3.Hash, got.Hash)
}

func TestDriver_watchdogTermination(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, ctx, 1)

	wd, wCtx := gwatchdog.NewNopWatchdog(ctx, gtest.NewLogger(t))
	defer wd.Wait()
	defer cancel()

	c := h.NewChain(t, wCtx)
	pool := mbmempool.New(wCtx, gtest.NewLogger(t), mbmempool.PoolConfig{})
	defer pool.Wait()
	defer cancel()

	conn, err := h.Net.Connect(wCtx)
	require.NoError(t, err)

	agg, err := mbskip.NewAggregator(gtest.NewLogger(t), mbskip.AggregatorConfig{Network: conn})
	require.NoError(t, err)

	d, err := mbdriver.New(
		wCtx, gtest.NewLogger(t),
		mbdriver.WithChain(c),
		mbdriver.WithConnection(conn),
		mbdriver.WithMempool(pool),
		mbdriver.WithSigner(h.Fx.PrivVals[0].Signer),
		mbdriver.WithFallbackQuorum(agg),
		mbdriver.WithTiming(h.Fx.BlockSeparationTime, h.Fx.ProducerTimeout),
		mbdriver.WithTrustedPush(true),
		mbdriver.WithWatchdog(wd),
	)
	require.NoError(t, err)
	defer d.Wait()
	defer cancel()

	// A lone validator produces every block.
	waitForHeight(t, c, 3)

	// Terminating the watchdog stops the driver.
	wd.Terminate("test over")
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	_ = gtest.ReceiveSoon(t, done)
}

func TestNew_missingOptions(t *testing.T) {
	t.Parallel()

	_, err := mbdriver.New(context.Background(), gtest.NewLogger(t))
	require.ErrorContains(t, err, "no chain set (use mbdriver.WithChain)")
	require.ErrorContains(t, err, "no connection set (use mbdriver.WithConnection)")
	require.ErrorContains(t, err, "no mempool set (use mbdriver.WithMempool)")
	require.ErrorContains(t, err, "no timing set (use mbdriver.WithTiming)")

	fx := mbconsensustest.NewFixture(1)
	_, err = mbdriver.New(
		context.Background(), gtest.NewLogger(t),
		mbdriver.WithSigner(fx.PrivVals[0].Signer),
		mbdriver.WithTiming(time.Second, time.Millisecond),
	)
	require.ErrorContains(t, err, "producer timeout must not be less than block separation time")

	_, err = mbdriver.New(
		context.Background(), gtest.NewLogger(t),
		mbdriver.WithSigner(fx.PrivVals[0].Signer),
		mbdriver.WithTiming(time.Second, 2*time.Second),
	)
	require.ErrorContains(t, err, "no fallback quorum set (use mbdriver.WithFallbackQuorum)")
}
