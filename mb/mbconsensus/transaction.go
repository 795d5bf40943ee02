package mbconsensus

// Transaction is an opaque payload included in a micro block body.
//
// Control transactions (staking and validator management)
// are selected ahead of regular transactions when a block is assembled.
type Transaction struct {
	Sender string
	Nonce  uint64
	Fee    uint64

	// The transaction may only be included in blocks numbered
	// ValidityStart through ValidityStart+TransactionValidityWindow-1.
	ValidityStart uint32

	Control bool

	Data []byte
}

// TransactionValidityWindow is how many block numbers a transaction stays includable.
const TransactionValidityWindow = 120

// TransactionOverhead is the serialized size of every transaction
// beyond its sender and data.
const TransactionOverhead = 8 + 8 + 4 + 1 + 2 + 2

// Size is the number of body bytes t occupies.
func (t Transaction) Size() int {
	return TransactionOverhead + len(t.Sender) + len(t.Data)
}

// ValidAt reports whether t may be included in the block numbered blockNumber.
func (t Transaction) ValidAt(blockNumber uint32) bool {
	return blockNumber >= t.ValidityStart &&
		uint64(blockNumber) < uint64(t.ValidityStart)+TransactionValidityWindow
}

// Hash returns the blake2b-256 digest identifying t.
func (t Transaction) Hash() []byte {
	w := newHashWriter()
	w.bytes([]byte(t.Sender))
	w.u64(t.Nonce)
	w.u64(t.Fee)
	w.u32(t.ValidityStart)
	if t.Control {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.bytes(t.Data)
	return w.sum()
}

// EquivocationProof is evidence that the validator at slot band Offender
// signed two different micro blocks for the same block number.
type EquivocationProof struct {
	Offender    uint16
	BlockNumber uint32

	HashA, HashB []byte
}

// EquivocationProofSize is the fixed number of body bytes an equivocation proof occupies.
const EquivocationProofSize = 2 + 4 + 32 + 32

// Hash returns the digest identifying p.
// The order of the two block hashes does not affect the result.
func (p EquivocationProof) Hash() []byte {
	a, b := p.HashA, p.HashB
	if string(a) > string(b) {
		a, b = b, a
	}

	w := newHashWriter()
	w.u16(p.Offender)
	w.u32(p.BlockNumber)
	w.bytes(a)
	w.bytes(b)
	return w.sum()
}
