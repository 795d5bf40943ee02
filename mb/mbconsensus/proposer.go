package mbconsensus

import (
	"encoding/binary"
	"errors"
)

// ProposerSelector deterministically chooses the producer of a block.
// Every validator must compute the same result from the same inputs.
type ProposerSelector interface {
	// Proposer returns the slot band that produces blockNumber.
	Proposer(vals ValidatorSet, blockNumber uint32, entropy Entropy) (uint16, error)
}

var errEmptyValidatorSet = errors.New("cannot select proposer from empty validator set")

// SlotShuffle picks a slot uniformly from the hash of the entropy and block number,
// so validators are chosen in proportion to their slots.
type SlotShuffle struct{}

func (SlotShuffle) Proposer(vals ValidatorSet, blockNumber uint32, entropy Entropy) (uint16, error) {
	if vals.TotalSlots() == 0 {
		return 0, errEmptyValidatorSet
	}

	w := newHashWriter()
	w.bytes(entropy[:])
	w.u32(blockNumber)
	sum := w.sum()

	slot := binary.BigEndian.Uint64(sum[:8]) % uint64(vals.TotalSlots())
	return vals.SlotOwner(uint32(slot)), nil
}

// RoundRobin ignores entropy and slot weights,
// assigning block n to slot band n modulo the validator count.
type RoundRobin struct{}

func (RoundRobin) Proposer(vals ValidatorSet, blockNumber uint32, _ Entropy) (uint16, error) {
	if len(vals.Validators) == 0 {
		return 0, errEmptyValidatorSet
	}
	return uint16(blockNumber % uint32(len(vals.Validators))), nil
}
