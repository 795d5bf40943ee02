package mbconsensus

import "fmt"

// BlockNumberMismatchError indicates a block that does not extend the head.
type BlockNumberMismatchError struct {
	Want, Got uint32
}

func (e BlockNumberMismatchError) Error() string {
	return fmt.Sprintf("block number mismatch: expected %d, got %d", e.Want, e.Got)
}

// ParentHashMismatchError indicates a block whose parent is not the expected block.
type ParentHashMismatchError struct {
	Want, Got []byte
}

func (e ParentHashMismatchError) Error() string {
	return fmt.Sprintf("parent hash mismatch: expected %X, got %X", e.Want, e.Got)
}

// HashMismatchError indicates a block whose Hash field does not match its contents.
type HashMismatchError struct {
	Want, Got []byte
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf("block hash mismatch: computed %X, block claims %X", e.Want, e.Got)
}

// TimestampRegressionError indicates a block timestamp earlier than allowed.
type TimestampRegressionError struct {
	Min, Got uint64
}

func (e TimestampRegressionError) Error() string {
	return fmt.Sprintf("timestamp %d is before minimum %d", e.Got, e.Min)
}

// WrongProposerError indicates a micro block produced by a validator
// other than the selected proposer.
type WrongProposerError struct {
	BlockNumber uint32
	Want, Got   uint16
}

func (e WrongProposerError) Error() string {
	return fmt.Sprintf(
		"block %d produced by slot band %d, but proposer is slot band %d",
		e.BlockNumber, e.Got, e.Want,
	)
}

// InvalidBlockSignatureError indicates a micro block whose proposer signature does not verify.
type InvalidBlockSignatureError struct {
	BlockNumber uint32
}

func (e InvalidBlockSignatureError) Error() string {
	return fmt.Sprintf("invalid proposer signature on block %d", e.BlockNumber)
}

// SeedMismatchError indicates a block whose seed was not derived from its parent's seed.
type SeedMismatchError struct {
	BlockNumber uint32
	Want, Got   Seed
}

func (e SeedMismatchError) Error() string {
	return fmt.Sprintf("seed mismatch on block %d: expected %s, got %s", e.BlockNumber, e.Want, e.Got)
}

// InvalidSkipProofError indicates a skip block whose proof does not justify it.
type InvalidSkipProofError struct {
	BlockNumber uint32
	Reason      string

	// Populated when Reason is insufficient slots.
	Have, Need uint32
}

func (e InvalidSkipProofError) Error() string {
	if e.Need > 0 {
		return fmt.Sprintf(
			"invalid skip proof for block %d: %s (have %d, need %d)",
			e.BlockNumber, e.Reason, e.Have, e.Need,
		)
	}
	return fmt.Sprintf("invalid skip proof for block %d: %s", e.BlockNumber, e.Reason)
}

// SkipTimestampError indicates a skip block whose timestamp is not
// exactly its parent's timestamp plus the producer timeout.
type SkipTimestampError struct {
	BlockNumber uint32
	Want, Got   uint64
}

func (e SkipTimestampError) Error() string {
	return fmt.Sprintf("skip block %d must have timestamp %d, got %d", e.BlockNumber, e.Want, e.Got)
}

// SkipBlockContentError indicates a skip block carrying content only ordinary blocks may carry.
type SkipBlockContentError struct {
	BlockNumber uint32
}

func (e SkipBlockContentError) Error() string {
	return fmt.Sprintf("skip block %d must not carry transactions, proofs, extra data, a proposer slot or a signature", e.BlockNumber)
}

// BodyTooLargeError indicates a block whose transactions exceed the available body bytes.
type BodyTooLargeError struct {
	Size, Max int
}

func (e BodyTooLargeError) Error() string {
	return fmt.Sprintf("block body of %d bytes exceeds available %d bytes", e.Size, e.Max)
}

// ExtraDataTooLargeError indicates a block with oversized extra data.
type ExtraDataTooLargeError struct {
	Size int
}

func (e ExtraDataTooLargeError) Error() string {
	return fmt.Sprintf("extra data of %d bytes exceeds maximum %d", e.Size, MaxExtraDataSize)
}

// PrunedContextError indicates a lookup for a block number
// whose enclosing batch is no longer available.
type PrunedContextError struct {
	BlockNumber, MacroNumber uint32
}

func (e PrunedContextError) Error() string {
	return fmt.Sprintf(
		"context for block %d pruned (current macro block is %d)",
		e.BlockNumber, e.MacroNumber,
	)
}

// StaleBlockError indicates a block behind the head that conflicts with the chain.
type StaleBlockError struct {
	Number, HeadNumber uint32
}

func (e StaleBlockError) Error() string {
	return fmt.Sprintf("block %d conflicts with chain at head %d", e.Number, e.HeadNumber)
}
