package mbconsensus

import (
	"bytes"
	"slices"
)

// BlockType distinguishes micro blocks from macro blocks.
type BlockType uint8

const (
	BlockTypeMicro BlockType = iota + 1

	// Macro blocks close a batch.
	// They only serve as the anchor of the production schedule here.
	BlockTypeMacro
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeMicro:
		return "micro"
	case BlockTypeMacro:
		return "macro"
	default:
		return "unknown"
	}
}

// Block is a committed or candidate block.
//
// A micro block with a non-nil SkipProof is a skip block:
// it carries no transactions and no proposer signature,
// and is instead justified by a supermajority of validators.
type Block struct {
	Type BlockType

	Number uint32

	// Unix milliseconds.
	Timestamp uint64

	ParentHash []byte
	Hash       []byte

	Seed Seed

	// Slot band of the producing validator.
	// Always zero for skip blocks.
	ProposerSlot uint16

	ExtraData []byte

	Transactions       []Transaction
	EquivocationProofs []EquivocationProof

	SkipProof *SkipBlockProof

	// Proposer signature over Hash.
	// Empty for skip and macro blocks.
	Signature []byte
}

func (b Block) IsMacro() bool {
	return b.Type == BlockTypeMacro
}

func (b Block) IsSkip() bool {
	return b.Type == BlockTypeMicro && b.SkipProof != nil
}

// ComputeHash returns the hash of every field of b except Hash and Signature.
// A skip proof contributes only its presence, not its signatures:
// validators aggregating different quorums for the same round
// still build the same skip block.
func (b Block) ComputeHash() []byte {
	w := newHashWriter()
	w.u8(uint8(b.Type))
	w.u32(b.Number)
	w.u64(b.Timestamp)
	w.bytes(b.ParentHash)
	w.bytes(b.Seed[:])
	w.u16(b.ProposerSlot)
	w.bytes(b.ExtraData)

	w.u32(uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		w.bytes(tx.Hash())
	}

	w.u32(uint32(len(b.EquivocationProofs)))
	for _, p := range b.EquivocationProofs {
		w.bytes(p.Hash())
	}

	if b.SkipProof == nil {
		w.u8(0)
	} else {
		w.u8(1)
	}

	return w.sum()
}

// Equal reports whether b and o have the same hash.
func (b Block) Equal(o Block) bool {
	return bytes.Equal(b.Hash, o.Hash)
}

// Clone returns a deep copy of b's slices,
// so the copy can be handed to another goroutine.
func (b Block) Clone() Block {
	c := b
	c.ParentHash = bytes.Clone(b.ParentHash)
	c.Hash = bytes.Clone(b.Hash)
	c.ExtraData = bytes.Clone(b.ExtraData)
	c.Signature = bytes.Clone(b.Signature)
	c.Transactions = slices.Clone(b.Transactions)
	c.EquivocationProofs = slices.Clone(b.EquivocationProofs)
	if b.SkipProof != nil {
		sp := *b.SkipProof
		sp.Signatures.Signatures = slices.Clone(sp.Signatures.Signatures)
		c.SkipProof = &sp
	}
	return c
}
