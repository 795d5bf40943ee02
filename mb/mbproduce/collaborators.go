package mbproduce

import (
	"context"

	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// TransactionSource supplies prioritized transactions for the block after view's head.
//
// Both methods return the selected transactions and their total size,
// which never exceeds maxBytes.
type TransactionSource interface {
	ControlTransactionsFor(ctx context.Context, view mbchain.View, maxBytes int) ([]mbconsensus.Transaction, int)
	TransactionsFor(ctx context.Context, view mbchain.View, maxBytes int) ([]mbconsensus.Transaction, int)
}

// BlockAssembler constructs a candidate block extending view's head.
// It must not modify the chain.
//
// A non-nil skipProof requests a skip block,
// in which case eqProofs, txs, and extraData are empty.
type BlockAssembler interface {
	NextMicroBlock(
		ctx context.Context,
		view mbchain.View,
		timestamp uint64,
		eqProofs []mbconsensus.EquivocationProof,
		txs []mbconsensus.Transaction,
		extraData []byte,
		skipProof *mbconsensus.SkipBlockProof,
	) (mbconsensus.Block, error)
}

// FallbackQuorum runs a skip block attestation round.
//
// Start blocks until a proof backed by a quorum of vals is available.
// Bounding the round is the implementation's concern;
// the only error a caller should expect is the cause of ctx being canceled.
type FallbackQuorum interface {
	Start(
		ctx context.Context,
		info mbconsensus.SkipBlockInfo,
		signer gcrypto.Signer,
		slotBand uint16,
		vals mbconsensus.ValidatorSet,
	) (mbconsensus.SkipBlockProof, error)
}
