// Package mbmempool contains Pool, a validator-local pool of pending
// transactions and equivocation proofs that block producers select from.
package mbmempool

import (
	"context"
	"log/slog"
	"runtime/trace"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gmicro/internal/gchan"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// PoolConfig is the configuration for [New].
type PoolConfig struct {
	// Maximum number of pooled transactions.
	// Zero means unbounded.
	Capacity int

	// Stamps transaction arrival, which breaks ties between equal fees.
	// Defaults to the wall clock.
	Clock clock.Clock
}

// Pool is a byte-budgeted, fee-prioritized transaction pool.
//
// All state is owned by a background goroutine;
// methods on Pool are safe for concurrent use.
type Pool struct {
	log *slog.Logger

	clock clock.Clock

	addTxRequests    chan addTxRequest
	addProofRequests chan addProofRequest
	selectRequests   chan selectRequest
	proofsRequests   chan chan []mbconsensus.EquivocationProof
	pruneRequests    chan mbconsensus.Block

	done chan struct{}
}

type addTxRequest struct {
	Tx   mbconsensus.Transaction
	Resp chan error
}

type addProofRequest struct {
	Proof mbconsensus.EquivocationProof
	Resp  chan error
}

type selectRequest struct {
	BlockNumber uint32
	Control     bool
	MaxBytes    int

	Resp chan selectResponse
}

type selectResponse struct {
	Txs  []mbconsensus.Transaction
	Used int
}

// New returns a running Pool.
// Cancel ctx to stop it, and then call [*Pool.Wait].
func New(ctx context.Context, log *slog.Logger, cfg PoolConfig) *Pool {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	p := &Pool{
		log: log,

		clock: clk,

		addTxRequests:    make(chan addTxRequest),
		addProofRequests: make(chan addProofRequest),
		selectRequests:   make(chan selectRequest),
		proofsRequests:   make(chan chan []mbconsensus.EquivocationProof),
		pruneRequests:    make(chan mbconsensus.Block),

		done: make(chan struct{}),
	}

	go p.kernel(ctx, newWorkingState(cfg.Capacity))

	return p
}

// Wait blocks until the pool's background goroutine has stopped.
func (p *Pool) Wait() {
	<-p.done
}

func (p *Pool) kernel(ctx context.Context, w *workingState) {
	defer close(p.done)

	ctx, task := trace.NewTask(ctx, "mbmempool.Pool.kernel")
	defer task.End()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Shutting down due to context cancellation", "cause", context.Cause(ctx))
			return

		case req := <-p.addTxRequests:
			// Response channels are one-buffered, so don't select here.
			req.Resp <- w.AddTx(req.Tx, p.clock.Now())

		case req := <-p.addProofRequests:
			req.Resp <- w.AddProof(req.Proof)

		case req := <-p.selectRequests:
			txs, used := w.Select(req.BlockNumber, req.Control, req.MaxBytes)
			req.Resp <- selectResponse{Txs: txs, Used: used}

		case resp := <-p.proofsRequests:
			resp <- w.Proofs()

		case b := <-p.pruneRequests:
			nTxs, nProofs := w.Prune(b)
			if nTxs > 0 || nProofs > 0 {
				p.log.Debug(
					"Pruned pool",
					"block_number", b.Number,
					"n_txs", nTxs,
					"n_proofs", nProofs,
					"remaining_txs", len(w.txs),
				)
			}
		}
	}
}

// AddTransaction adds tx to the pool.
func (p *Pool) AddTransaction(ctx context.Context, tx mbconsensus.Transaction) error {
	req := addTxRequest{
		Tx:   tx,
		Resp: make(chan error, 1),
	}

	err, ok := gchan.ReqResp(
		ctx, p.log,
		p.addTxRequests, req,
		req.Resp,
		"AddTransaction",
	)
	if !ok {
		return context.Cause(ctx)
	}
	return err
}

// AddEquivocationProof adds proof to the pool.
func (p *Pool) AddEquivocationProof(ctx context.Context, proof mbconsensus.EquivocationProof) error {
	req := addProofRequest{
		Proof: proof,
		Resp:  make(chan error, 1),
	}

	err, ok := gchan.ReqResp(
		ctx, p.log,
		p.addProofRequests, req,
		req.Resp,
		"AddEquivocationProof",
	)
	if !ok {
		return context.Cause(ctx)
	}
	return err
}

// EquivocationProofs returns the pooled equivocation proofs,
// to be embedded in the next produced block.
func (p *Pool) EquivocationProofs(ctx context.Context) []mbconsensus.EquivocationProof {
	resp := make(chan []mbconsensus.EquivocationProof, 1)
	out, _ := gchan.ReqResp(
		ctx, p.log,
		p.proofsRequests, resp,
		resp,
		"EquivocationProofs",
	)
	return out
}

// ControlTransactionsFor selects control transactions for the block after view's head.
func (p *Pool) ControlTransactionsFor(
	ctx context.Context, view mbchain.View, maxBytes int,
) ([]mbconsensus.Transaction, int) {
	return p.selectTxs(ctx, view.BlockNumber()+1, true, maxBytes)
}

// TransactionsFor selects regular transactions for the block after view's head.
func (p *Pool) TransactionsFor(
	ctx context.Context, view mbchain.View, maxBytes int,
) ([]mbconsensus.Transaction, int) {
	return p.selectTxs(ctx, view.BlockNumber()+1, false, maxBytes)
}

func (p *Pool) selectTxs(
	ctx context.Context, blockNumber uint32, control bool, maxBytes int,
) ([]mbconsensus.Transaction, int) {
	if maxBytes <= 0 {
		return nil, 0
	}

	req := selectRequest{
		BlockNumber: blockNumber,
		Control:     control,
		MaxBytes:    maxBytes,
		Resp:        make(chan selectResponse, 1),
	}

	resp, ok := gchan.ReqResp(
		ctx, p.log,
		p.selectRequests, req,
		req.Resp,
		"select transactions",
	)
	if !ok {
		return nil, 0
	}
	return resp.Txs, resp.Used
}

// Prune removes the contents of a committed block from the pool,
// along with transactions whose validity window has passed.
func (p *Pool) Prune(ctx context.Context, b mbconsensus.Block) {
	_ = gchan.SendC(
		ctx, p.log,
		p.pruneRequests, b,
		"sending prune request",
	)
}
