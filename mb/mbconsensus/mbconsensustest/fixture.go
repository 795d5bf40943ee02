// Package mbconsensustest contains fixtures for tests involving validators and blocks.
package mbconsensustest

import (
	"context"
	"fmt"
	"time"

	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/gcrypto/gcryptotest"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// PrivVal is a validator together with its signer.
type PrivVal struct {
	Val    mbconsensus.Validator
	Signer gcrypto.Ed25519Signer
}

// Fixture is a deterministic validator set and genesis for tests.
type Fixture struct {
	PrivVals []PrivVal

	Validators mbconsensus.ValidatorSet

	// Genesis values; may be reassigned before calling Genesis.
	GenesisTimestamp uint64
	GenesisSeed      mbconsensus.Seed

	// Offsets used by NextMicroBlock and NextSkipBlock.
	BlockSeparationTime time.Duration
	ProducerTimeout     time.Duration
}

// NewFixture returns a Fixture of numVals deterministic ed25519 validators,
// each owning a single slot.
func NewFixture(numVals int) *Fixture {
	signers := gcryptotest.DeterministicEd25519Signers(numVals)

	privVals := make([]PrivVal, numVals)
	vals := make([]mbconsensus.Validator, numVals)
	for i, s := range signers {
		vals[i] = mbconsensus.Validator{PubKey: s.PubKey(), Slots: 1}
		privVals[i] = PrivVal{Val: vals[i], Signer: s}
	}

	vs, err := mbconsensus.NewValidatorSet(vals)
	if err != nil {
		panic(fmt.Errorf("failed to build fixture validator set: %w", err))
	}

	var seed mbconsensus.Seed
	copy(seed[:], "gmicro fixture genesis seed.....")

	return &Fixture{
		PrivVals:   privVals,
		Validators: vs,

		GenesisTimestamp: 1_700_000_000_000,
		GenesisSeed:      seed,

		BlockSeparationTime: time.Second,
		ProducerTimeout:     4 * time.Second,
	}
}

// Genesis returns the macro block at number zero.
func (f *Fixture) Genesis() mbconsensus.Block {
	g := mbconsensus.Block{
		Type:      mbconsensus.BlockTypeMacro,
		Number:    0,
		Timestamp: f.GenesisTimestamp,
		Seed:      f.GenesisSeed,
	}
	g.Hash = g.ComputeHash()
	return g
}

// SkipProof returns a proof for info signed by the given slot bands.
func (f *Fixture) SkipProof(
	ctx context.Context, info mbconsensus.SkipBlockInfo, slotBands ...uint16,
) mbconsensus.SkipBlockProof {
	att := mbconsensus.NewSkipAttestation(info, f.Validators)
	msg := info.SignBytes()
	for _, sb := range slotBands {
		s := f.PrivVals[sb].Signer
		sig, err := s.Sign(ctx, msg)
		if err != nil {
			panic(fmt.Errorf("failed to sign skip block info: %w", err))
		}
		if err := att.AddSignature(sig, s.PubKey()); err != nil {
			panic(fmt.Errorf("failed to add skip block signature: %w", err))
		}
	}
	return mbconsensus.SkipBlockProof{Signatures: att.AsSparse()}
}

// QuorumSkipProof returns a proof for info signed by
// the lowest slot bands reaching quorum.
func (f *Fixture) QuorumSkipProof(ctx context.Context, info mbconsensus.SkipBlockInfo) mbconsensus.SkipBlockProof {
	need := f.Validators.QuorumSlots()
	var have uint32
	var bands []uint16
	for i, pv := range f.PrivVals {
		if have >= need {
			break
		}
		bands = append(bands, uint16(i))
		have += uint32(pv.Val.Slots)
	}
	return f.SkipProof(ctx, info, bands...)
}

// NextMicroBlock returns a micro block on top of parent,
// produced and signed by the validator at slotBand,
// one block separation time after parent.
//
// It does not check that slotBand is the selected proposer.
func (f *Fixture) NextMicroBlock(
	ctx context.Context, parent mbconsensus.Block, slotBand uint16, txs []mbconsensus.Transaction,
) mbconsensus.Block {
	pv := f.PrivVals[slotBand]
	b := mbconsensus.Block{
		Type:         mbconsensus.BlockTypeMicro,
		Number:       parent.Number + 1,
		Timestamp:    parent.Timestamp + uint64(f.BlockSeparationTime.Milliseconds()),
		ParentHash:   parent.Hash,
		Seed:         parent.Seed.NextMicroSeed(pv.Signer.PubKey().PubKeyBytes()),
		ProposerSlot: slotBand,
		Transactions: txs,
	}
	b.Hash = b.ComputeHash()

	sig, err := pv.Signer.Sign(ctx, b.Hash)
	if err != nil {
		panic(fmt.Errorf("failed to sign micro block: %w", err))
	}
	b.Signature = sig
	return b
}

// NextSkipBlock returns a skip block on top of parent
// with a quorum proof, one producer timeout after parent.
func (f *Fixture) NextSkipBlock(ctx context.Context, parent mbconsensus.Block) mbconsensus.Block {
	info := mbconsensus.SkipBlockInfo{
		BlockNumber: parent.Number + 1,
		VRFEntropy:  parent.Seed.Entropy(),
	}
	proof := f.QuorumSkipProof(ctx, info)

	b := mbconsensus.Block{
		Type:       mbconsensus.BlockTypeMicro,
		Number:     parent.Number + 1,
		Timestamp:  parent.Timestamp + uint64(f.ProducerTimeout.Milliseconds()),
		ParentHash: parent.Hash,
		Seed:       parent.Seed.NextSkipSeed(),
		SkipProof:  &proof,
	}
	b.Hash = b.ComputeHash()
	return b
}
