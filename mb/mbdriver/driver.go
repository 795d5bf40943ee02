// Package mbdriver runs block production for a validator over a network connection.
//
// A [Driver] owns two goroutines.
// The produce loop constructs one [mbproduce.Producer] per block number,
// abandons it when the chain head moves underneath it,
// and publishes whatever it commits.
// The receive loop pushes blocks from other validators onto the chain,
// holding on to blocks that arrive ahead of their parent.
package mbdriver

import (
	"context"
	"errors"
	"log/slog"
	"runtime/trace"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/gwatchdog"
	"github.com/gordian-engine/gmicro/internal/glog"
	"github.com/gordian-engine/gmicro/mb/mbassemble"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbp2p"
	"github.com/gordian-engine/gmicro/mb/mbproduce"
)

// MaxPendingBlocks bounds how far past the head
// a received block may be and still be held for later.
const MaxPendingBlocks = 64

// Chain is the chain a Driver drives.
// [*mbchain.Blockchain] satisfies it.
type Chain interface {
	mbchain.Chain

	Push(ctx context.Context, b mbconsensus.Block) (mbconsensus.PushResult, error)

	// HeadChanged returns a channel closed on the next commit.
	HeadChanged() <-chan struct{}
}

// Mempool is the pool a Driver selects from and prunes.
// [*mbmempool.Pool] satisfies it.
type Mempool interface {
	mbproduce.TransactionSource

	EquivocationProofs(ctx context.Context) []mbconsensus.EquivocationProof

	Prune(ctx context.Context, b mbconsensus.Block)
}

var errHeadChanged = errors.New("chain head changed")

type Driver struct {
	log *slog.Logger

	chain    Chain
	conn     mbp2p.Connection
	pool     Mempool
	signer   gcrypto.Signer
	fallback mbproduce.FallbackQuorum

	assembler mbproduce.BlockAssembler

	sep, timeout time.Duration
	trustedPush  bool

	clock clock.Clock
	timer mbproduce.Timer

	watchdog *gwatchdog.Watchdog

	produceDone, receiveDone chan struct{}
}

// New returns a running Driver configured by opts.
// Cancel ctx to stop it, and then call [*Driver.Wait].
func New(ctx context.Context, log *slog.Logger, opts ...Opt) (*Driver, error) {
	d := &Driver{
		log: log,

		produceDone: make(chan struct{}),
		receiveDone: make(chan struct{}),
	}

	var err error
	for _, opt := range opts {
		err = errors.Join(err, opt(d))
	}
	if err != nil {
		return nil, err
	}

	if err := d.validateSettings(); err != nil {
		return nil, err
	}

	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.timer == nil {
		d.timer = mbproduce.StandardTimer{Clock: d.clock}
	}
	if d.assembler == nil && d.signer != nil {
		d.assembler = mbassemble.Assembler{Signer: d.signer}
	}

	var wSig <-chan gwatchdog.Signal
	if d.watchdog != nil {
		wSig = d.watchdog.Monitor(ctx, gwatchdog.MonitorConfig{
			Name:     "mbdriver receive loop",
			Interval: 10 * time.Second, Jitter: time.Second,
			ResponseTimeout: time.Second,
		})
	}

	go d.produceLoop(ctx)
	go d.receiveLoop(ctx, wSig)

	return d, nil
}

func (d *Driver) validateSettings() error {
	var err error

	if d.chain == nil {
		err = errors.Join(err, errors.New("no chain set (use mbdriver.WithChain)"))
	}
	if d.conn == nil {
		err = errors.Join(err, errors.New("no connection set (use mbdriver.WithConnection)"))
	}
	if d.pool == nil {
		err = errors.Join(err, errors.New("no mempool set (use mbdriver.WithMempool)"))
	}
	if d.sep == 0 {
		err = errors.Join(err, errors.New("no timing set (use mbdriver.WithTiming)"))
	}
	if d.signer != nil && d.fallback == nil {
		err = errors.Join(err, errors.New("no fallback quorum set (use mbdriver.WithFallbackQuorum)"))
	}

	return err
}

// Wait blocks until both of the driver's goroutines have stopped.
func (d *Driver) Wait() {
	<-d.produceDone
	<-d.receiveDone
}

func (d *Driver) produceLoop(ctx context.Context) {
	defer close(d.produceDone)

	ctx, task := trace.NewTask(ctx, "mbdriver.produceLoop")
	defer task.End()

	for {
		// Capture the notification before reading the head,
		// so a commit in between is not missed.
		changed := d.chain.HeadChanged()

		p, err := d.nextProducer(ctx)
		if err != nil {
			d.log.Error("Failed to create producer; stopping production", "err", err)
			return
		}

		if p != nil {
			ev, ok := d.runProducer(ctx, p, changed)
			if ok {
				d.afterProduced(ctx, ev)
				continue
			}
		}

		select {
		case <-ctx.Done():
			d.log.Info("Stopping production due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-changed:
		}
	}
}

// nextProducer returns a Producer for the block after the current head,
// or nil if the local validator is not in the current validator set.
func (d *Driver) nextProducer(ctx context.Context) (*mbproduce.Producer, error) {
	if d.signer == nil {
		return nil, nil
	}

	r := d.chain.Read()
	head := r.Head()
	slotBand, ok := r.CurrentValidators().SlotBandOf(d.signer.PubKey())
	r.Release()

	if !ok {
		return nil, nil
	}

	return mbproduce.NewProducer(d.log, mbproduce.ProducerConfig{
		BlockNumber: head.Number + 1,
		SlotBand:    slotBand,
		PrevSeed:    head.Seed,
		Signer:      d.signer,

		EquivocationProofs: d.pool.EquivocationProofs(ctx),

		ProducerTimeout:     d.timeout,
		BlockSeparationTime: d.sep,
		TrustedPush:         d.trustedPush,

		Chain:     d.chain,
		TxSource:  d.pool,
		Assembler: d.assembler,
		Fallback:  d.fallback,
		Timer:     d.timer,
		Clock:     d.clock,
	})
}

// runProducer runs p until it finishes or the head moves past its block.
func (d *Driver) runProducer(
	ctx context.Context, p *mbproduce.Producer, changed <-chan struct{},
) (mbproduce.Event, bool) {
	cycleCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		select {
		case <-changed:
			cancel(errHeadChanged)
		case <-cycleCtx.Done():
		}
	}()

	return p.Next(cycleCtx)
}

func (d *Driver) afterProduced(ctx context.Context, ev mbproduce.Event) {
	if ev.Result == mbconsensus.PushKnown {
		return
	}

	d.pool.Prune(ctx, ev.Block)

	if err := d.conn.PublishBlock(ctx, ev.Block); err != nil {
		glog.BNE(d.log, ev.Block.Number, err).Warn("Failed to publish produced block")
	}
}

func (d *Driver) receiveLoop(ctx context.Context, wSig <-chan gwatchdog.Signal) {
	defer close(d.receiveDone)

	ctx, task := trace.NewTask(ctx, "mbdriver.receiveLoop")
	defer task.End()

	pending := make(map[uint32]mbconsensus.Block)

	for {
		// Blocks committed by the produce loop may unblock pending ones.
		changed := d.chain.HeadChanged()

		select {
		case <-ctx.Done():
			d.log.Info("Stopping receive loop due to context cancellation", "cause", context.Cause(ctx))
			return

		case sig := <-wSig:
			close(sig.Alive)

		case <-d.conn.Disconnected():
			d.log.Info("Stopping receive loop due to network disconnect")
			return

		case b := <-d.conn.IncomingBlocks():
			d.handleIncoming(ctx, b, pending)

		case <-changed:
			d.drainPending(ctx, pending)
		}
	}
}

func (d *Driver) handleIncoming(
	ctx context.Context, b mbconsensus.Block, pending map[uint32]mbconsensus.Block,
) {
	res, err := d.chain.Push(ctx, b)
	if err == nil {
		if res != mbconsensus.PushKnown {
			d.pool.Prune(ctx, b)
			d.drainPending(ctx, pending)
		}
		return
	}

	var numErr mbconsensus.BlockNumberMismatchError
	if errors.As(err, &numErr) && numErr.Got > numErr.Want {
		if numErr.Got-numErr.Want < MaxPendingBlocks {
			pending[b.Number] = b
		}
		return
	}

	var staleErr mbconsensus.StaleBlockError
	if errors.As(err, &staleErr) {
		return
	}

	glog.BNE(d.log, b.Number, err).Info("Rejected incoming block")
}

// drainPending pushes held blocks for as long as the next one is available,
// and forgets held blocks the head has already passed.
func (d *Driver) drainPending(ctx context.Context, pending map[uint32]mbconsensus.Block) {
	for len(pending) > 0 {
		r := d.chain.Read()
		h := r.BlockNumber()
		r.Release()

		for n := range pending {
			if n <= h {
				delete(pending, n)
			}
		}

		b, ok := pending[h+1]
		if !ok {
			return
		}
		delete(pending, h+1)

		res, err := d.chain.Push(ctx, b)
		if err != nil {
			glog.BNE(d.log, b.Number, err).Info("Rejected pending block")
			return
		}
		if res != mbconsensus.PushKnown {
			d.pool.Prune(ctx, b)
		}
	}
}
