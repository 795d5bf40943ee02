// Package mbassemble builds candidate micro blocks and skip blocks
// on top of the current chain head.
package mbassemble

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// Assembler constructs blocks for the validator owning Signer.
// It never modifies the chain.
type Assembler struct {
	Signer gcrypto.Signer
}

// NextMicroBlock returns a block extending view's head.
//
// If skipProof is nil, the result is an ordinary micro block
// produced and signed by a.Signer.
// Otherwise the result is an unsigned skip block justified by skipProof,
// in which case eqProofs, txs, and extraData must be empty.
func (a Assembler) NextMicroBlock(
	ctx context.Context,
	view mbchain.View,
	timestamp uint64,
	eqProofs []mbconsensus.EquivocationProof,
	txs []mbconsensus.Transaction,
	extraData []byte,
	skipProof *mbconsensus.SkipBlockProof,
) (mbconsensus.Block, error) {
	parent := view.Head()

	b := mbconsensus.Block{
		Type:       mbconsensus.BlockTypeMicro,
		Number:     parent.Number + 1,
		Timestamp:  timestamp,
		ParentHash: parent.Hash,
	}

	if skipProof != nil {
		if len(eqProofs) > 0 || len(txs) > 0 || len(extraData) > 0 {
			return mbconsensus.Block{}, mbconsensus.SkipBlockContentError{BlockNumber: b.Number}
		}

		b.Seed = parent.Seed.NextSkipSeed()
		b.SkipProof = skipProof
		b.Hash = b.ComputeHash()
		return b, nil
	}

	if len(extraData) > mbconsensus.MaxExtraDataSize {
		return mbconsensus.Block{}, mbconsensus.ExtraDataTooLargeError{Size: len(extraData)}
	}

	pubKey := a.Signer.PubKey()
	slotBand, ok := view.CurrentValidators().SlotBandOf(pubKey)
	if !ok {
		return mbconsensus.Block{}, errors.New("signer is not in the current validator set")
	}

	b.Seed = parent.Seed.NextMicroSeed(pubKey.PubKeyBytes())
	b.ProposerSlot = slotBand
	b.ExtraData = extraData
	b.Transactions = txs
	b.EquivocationProofs = eqProofs
	b.Hash = b.ComputeHash()

	sig, err := a.Signer.Sign(ctx, b.Hash)
	if err != nil {
		return mbconsensus.Block{}, fmt.Errorf("failed to sign block %d: %w", b.Number, err)
	}
	b.Signature = sig

	return b, nil
}
