package mbchain

import (
	"bytes"
	"fmt"

	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// chainState is the data guarded by the Blockchain's lock.
// Its exported methods make up the [View] embedded in each guard.
type chainState struct {
	head, macroHead mbconsensus.Block

	// From macroHead.Number through head.Number inclusive.
	blocks map[uint32]mbconsensus.Block

	vals mbconsensus.ValidatorSet
	sel  mbconsensus.ProposerSelector

	// Producer timeout in milliseconds.
	timeout uint64
}

func (s *chainState) Head() mbconsensus.Block      { return s.head }
func (s *chainState) MacroHead() mbconsensus.Block { return s.macroHead }
func (s *chainState) BlockNumber() uint32          { return s.head.Number }
func (s *chainState) Timestamp() uint64            { return s.head.Timestamp }

func (s *chainState) CurrentValidators() mbconsensus.ValidatorSet {
	return s.vals
}

func (s *chainState) ProposerFor(blockNumber uint32, entropy mbconsensus.Entropy) (uint16, error) {
	if blockNumber <= s.macroHead.Number {
		return 0, mbconsensus.PrunedContextError{
			BlockNumber: blockNumber,
			MacroNumber: s.macroHead.Number,
		}
	}
	return s.sel.Proposer(s.vals, blockNumber, entropy)
}

func (s *chainState) resetTo(macro mbconsensus.Block) {
	clear(s.blocks)
	s.blocks[macro.Number] = macro
	s.head = macro
	s.macroHead = macro
}

func (s *chainState) append(b mbconsensus.Block) {
	if b.IsMacro() {
		s.resetTo(b)
		return
	}
	s.blocks[b.Number] = b
	s.head = b
}

func (s *chainState) replaceHead(b mbconsensus.Block) {
	s.blocks[b.Number] = b
	s.head = b
}

// check reports how b would be accepted,
// or why it would be rejected.
func (s *chainState) check(b mbconsensus.Block, trusted bool) (mbconsensus.PushResult, error) {
	if b.Number <= s.head.Number {
		have, ok := s.blocks[b.Number]
		if ok && bytes.Equal(have.Hash, b.Hash) {
			return mbconsensus.PushKnown, nil
		}

		if b.Number == s.head.Number && s.canRebranchWith(b) {
			parent := s.blocks[b.Number-1]
			if err := s.validate(parent, b, trusted); err != nil {
				return 0, err
			}
			return mbconsensus.PushRebranched, nil
		}

		return 0, mbconsensus.StaleBlockError{
			Number:     b.Number,
			HeadNumber: s.head.Number,
		}
	}

	if b.Number != s.head.Number+1 {
		return 0, mbconsensus.BlockNumberMismatchError{
			Want: s.head.Number + 1,
			Got:  b.Number,
		}
	}

	if err := s.validate(s.head, b, trusted); err != nil {
		return 0, err
	}
	return mbconsensus.PushExtended, nil
}

// canRebranchWith reports whether b may replace the head:
// a skip block takes precedence over an ordinary micro block
// built on the same parent.
func (s *chainState) canRebranchWith(b mbconsensus.Block) bool {
	if !b.IsSkip() {
		return false
	}
	if s.head.IsMacro() || s.head.IsSkip() {
		return false
	}
	return bytes.Equal(b.ParentHash, s.head.ParentHash)
}

func (s *chainState) validate(parent, b mbconsensus.Block, trusted bool) error {
	if !bytes.Equal(b.ParentHash, parent.Hash) {
		return mbconsensus.ParentHashMismatchError{Want: parent.Hash, Got: b.ParentHash}
	}

	if h := b.ComputeHash(); !bytes.Equal(h, b.Hash) {
		return mbconsensus.HashMismatchError{Want: h, Got: b.Hash}
	}

	if len(b.ExtraData) > mbconsensus.MaxExtraDataSize {
		return mbconsensus.ExtraDataTooLargeError{Size: len(b.ExtraData)}
	}

	if b.Timestamp < parent.Timestamp {
		return mbconsensus.TimestampRegressionError{Min: parent.Timestamp, Got: b.Timestamp}
	}

	switch {
	case b.IsMacro():
		// Macro blocks are accepted as anchors without further checks.
		return nil
	case b.IsSkip():
		return s.validateSkip(parent, b, trusted)
	case b.Type == mbconsensus.BlockTypeMicro:
		return s.validateMicro(parent, b, trusted)
	default:
		return fmt.Errorf("unknown block type %d", b.Type)
	}
}

func (s *chainState) validateMicro(parent, b mbconsensus.Block, trusted bool) error {
	proposer, err := s.ProposerFor(b.Number, parent.Seed.Entropy())
	if err != nil {
		return fmt.Errorf("failed to determine proposer for block %d: %w", b.Number, err)
	}
	if b.ProposerSlot != proposer {
		return mbconsensus.WrongProposerError{
			BlockNumber: b.Number,
			Want:        proposer,
			Got:         b.ProposerSlot,
		}
	}

	pubKey := s.vals.Validators[proposer].PubKey
	if want := parent.Seed.NextMicroSeed(pubKey.PubKeyBytes()); b.Seed != want {
		return mbconsensus.SeedMismatchError{BlockNumber: b.Number, Want: want, Got: b.Seed}
	}

	avail := mbconsensus.AvailableBodyBytes(len(b.EquivocationProofs))
	if n := mbconsensus.TransactionBytes(b.Transactions); n > avail {
		return mbconsensus.BodyTooLargeError{Size: n, Max: avail}
	}

	if !trusted && !pubKey.Verify(b.Hash, b.Signature) {
		return mbconsensus.InvalidBlockSignatureError{BlockNumber: b.Number}
	}

	return nil
}

func (s *chainState) validateSkip(parent, b mbconsensus.Block, trusted bool) error {
	if len(b.Transactions) > 0 || len(b.EquivocationProofs) > 0 ||
		len(b.ExtraData) > 0 || len(b.Signature) > 0 || b.ProposerSlot != 0 {
		return mbconsensus.SkipBlockContentError{BlockNumber: b.Number}
	}

	// The proof does not cover the timestamp, so it is fixed by the parent.
	if want := parent.Timestamp + s.timeout; b.Timestamp != want {
		return mbconsensus.SkipTimestampError{BlockNumber: b.Number, Want: want, Got: b.Timestamp}
	}

	if want := parent.Seed.NextSkipSeed(); b.Seed != want {
		return mbconsensus.SeedMismatchError{BlockNumber: b.Number, Want: want, Got: b.Seed}
	}

	if trusted {
		return nil
	}

	info := mbconsensus.SkipBlockInfo{
		BlockNumber: b.Number,
		VRFEntropy:  parent.Seed.Entropy(),
	}
	return b.SkipProof.Verify(info, s.vals)
}
