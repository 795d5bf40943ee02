package mbconsensus

const (
	// MaxBlockSize bounds the serialized size of a micro block.
	MaxBlockSize = 100_000

	// MaxExtraDataSize bounds Block.ExtraData.
	MaxExtraDataSize = 32

	// MicroHeaderSize is the serialized size of a micro block header.
	MicroHeaderSize = 1 + // type
		4 + // number
		8 + // timestamp
		32 + // parent hash
		SeedSize +
		2 + // proposer slot
		1 + MaxExtraDataSize +
		32 // body hash

	// MicroJustificationSize is the space reserved for the proposer signature.
	MicroJustificationSize = 64
)

// AvailableBodyBytes returns how many bytes of transactions fit in a micro block
// that embeds numEquivocationProofs equivocation proofs.
// It never returns a negative value.
func AvailableBodyBytes(numEquivocationProofs int) int {
	n := MaxBlockSize - MicroHeaderSize - MicroJustificationSize -
		numEquivocationProofs*EquivocationProofSize
	return max(n, 0)
}

// TransactionBytes sums the sizes of txs.
func TransactionBytes(txs []Transaction) int {
	n := 0
	for _, tx := range txs {
		n += tx.Size()
	}
	return n
}
