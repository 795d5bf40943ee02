package mbmempool

import (
	"cmp"
	"slices"
	"time"

	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

type pooledTx struct {
	Tx   mbconsensus.Transaction
	Hash string

	Added time.Time
	Seq   uint64
}

// workingState is the pool contents, owned by the kernel goroutine.
type workingState struct {
	capacity int

	txs    map[string]pooledTx
	proofs map[string]mbconsensus.EquivocationProof

	nextSeq uint64
}

func newWorkingState(capacity int) *workingState {
	return &workingState{
		capacity: capacity,

		txs:    make(map[string]pooledTx),
		proofs: make(map[string]mbconsensus.EquivocationProof),
	}
}

func (w *workingState) AddTx(tx mbconsensus.Transaction, now time.Time) error {
	if sz := tx.Size(); sz > mbconsensus.AvailableBodyBytes(0) {
		return TransactionTooLargeError{Size: sz}
	}

	h := tx.Hash()
	if _, ok := w.txs[string(h)]; ok {
		return DuplicateError{Hash: h}
	}

	if w.capacity > 0 && len(w.txs) >= w.capacity {
		// Evict the lowest priority transaction if the new one outbids it.
		worst := w.lowestPriority()
		if worst.Tx.Fee >= tx.Fee {
			return PoolFullError{Capacity: w.capacity}
		}
		delete(w.txs, worst.Hash)
	}

	w.txs[string(h)] = pooledTx{
		Tx:    tx,
		Hash:  string(h),
		Added: now,
		Seq:   w.nextSeq,
	}
	w.nextSeq++
	return nil
}

func (w *workingState) lowestPriority() pooledTx {
	var worst pooledTx
	first := true
	for _, p := range w.txs {
		if first || comparePriority(p, worst) > 0 {
			worst = p
			first = false
		}
	}
	return worst
}

func (w *workingState) AddProof(p mbconsensus.EquivocationProof) error {
	h := p.Hash()
	if _, ok := w.proofs[string(h)]; ok {
		return DuplicateError{Hash: h}
	}
	w.proofs[string(h)] = p
	return nil
}

// Proofs returns every pooled equivocation proof in a stable order.
func (w *workingState) Proofs() []mbconsensus.EquivocationProof {
	out := make([]mbconsensus.EquivocationProof, 0, len(w.proofs))
	for _, p := range w.proofs {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b mbconsensus.EquivocationProof) int {
		return cmp.Or(
			cmp.Compare(a.BlockNumber, b.BlockNumber),
			cmp.Compare(a.Offender, b.Offender),
			cmp.Compare(string(a.HashA), string(b.HashA)),
		)
	})
	return out
}

// Select returns the highest priority transactions of the requested kind
// that are valid at blockNumber and fit within maxBytes together.
// Transactions too large for the remaining budget are passed over
// so that smaller ones behind them can still fill the block.
func (w *workingState) Select(blockNumber uint32, control bool, maxBytes int) ([]mbconsensus.Transaction, int) {
	if maxBytes <= 0 {
		return nil, 0
	}

	candidates := make([]pooledTx, 0, len(w.txs))
	for _, p := range w.txs {
		if p.Tx.Control == control && p.Tx.ValidAt(blockNumber) {
			candidates = append(candidates, p)
		}
	}
	slices.SortFunc(candidates, comparePriority)

	var out []mbconsensus.Transaction
	used := 0
	for _, p := range candidates {
		sz := p.Tx.Size()
		if used+sz > maxBytes {
			continue
		}
		out = append(out, p.Tx)
		used += sz
	}
	return out, used
}

// Prune removes everything included in b,
// and transactions that can no longer be included after b.
func (w *workingState) Prune(b mbconsensus.Block) (nTxs, nProofs int) {
	for _, tx := range b.Transactions {
		h := string(tx.Hash())
		if _, ok := w.txs[h]; ok {
			delete(w.txs, h)
			nTxs++
		}
	}

	next := b.Number + 1
	for h, p := range w.txs {
		if uint64(next) >= uint64(p.Tx.ValidityStart)+mbconsensus.TransactionValidityWindow {
			delete(w.txs, h)
			nTxs++
		}
	}

	for _, p := range b.EquivocationProofs {
		h := string(p.Hash())
		if _, ok := w.proofs[h]; ok {
			delete(w.proofs, h)
			nProofs++
		}
	}

	return nTxs, nProofs
}

// comparePriority orders higher fees first,
// then earlier arrivals.
func comparePriority(a, b pooledTx) int {
	return cmp.Or(
		cmp.Compare(b.Tx.Fee, a.Tx.Fee),
		a.Added.Compare(b.Added),
		cmp.Compare(a.Seq, b.Seq),
	)
}
