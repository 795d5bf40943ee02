package mbconsensus

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/gmicro/gcrypto"
)

// Validator is a member of the active validator set.
// Slots is the validator's share of the total slots,
// which weights both proposer selection and skip block quorum.
type Validator struct {
	PubKey gcrypto.PubKey
	Slots  uint16
}

// ValidatorSet is an ordered validator list.
// A validator's index in the list is its slot band.
type ValidatorSet struct {
	Validators []Validator

	// Identifies the ordered public keys,
	// so signature proofs built by different validators can be matched.
	PubKeyHash string

	// Exclusive upper slot bound of each validator, in order.
	slotEnds   []uint32
	totalSlots uint32
}

// NewValidatorSet returns a ValidatorSet over vals.
// Every validator must own at least one slot.
func NewValidatorSet(vals []Validator) (ValidatorSet, error) {
	if len(vals) == 0 {
		return ValidatorSet{}, errors.New("validator set must not be empty")
	}
	if len(vals) > 1<<16 {
		return ValidatorSet{}, fmt.Errorf("validator set too large: %d validators", len(vals))
	}

	w := newHashWriter()
	ends := make([]uint32, len(vals))
	var total uint32
	for i, v := range vals {
		if v.Slots == 0 {
			return ValidatorSet{}, fmt.Errorf("validator at slot band %d has no slots", i)
		}
		total += uint32(v.Slots)
		ends[i] = total

		w.bytes([]byte(v.PubKey.TypeName()))
		w.bytes(v.PubKey.PubKeyBytes())
		w.u16(v.Slots)
	}

	return ValidatorSet{
		Validators: vals,
		PubKeyHash: fmt.Sprintf("%x", w.sum()),
		slotEnds:   ends,
		totalSlots: total,
	}, nil
}

// TotalSlots is the sum of every validator's slots.
func (s ValidatorSet) TotalSlots() uint32 {
	return s.totalSlots
}

// QuorumSlots is the minimum number of slots
// that must attest to a skip block.
func (s ValidatorSet) QuorumSlots() uint32 {
	return ByzantineMajority(s.totalSlots)
}

// PubKeys returns the validators' public keys in slot band order.
func (s ValidatorSet) PubKeys() []gcrypto.PubKey {
	out := make([]gcrypto.PubKey, len(s.Validators))
	for i, v := range s.Validators {
		out[i] = v.PubKey
	}
	return out
}

// SlotBandOf returns the slot band of the validator with the given key.
func (s ValidatorSet) SlotBandOf(pubKey gcrypto.PubKey) (uint16, bool) {
	for i, v := range s.Validators {
		if v.PubKey.Equal(pubKey) {
			return uint16(i), true
		}
	}
	return 0, false
}

// SlotOwner returns the slot band owning slot.
// It panics if slot is not less than TotalSlots.
func (s ValidatorSet) SlotOwner(slot uint32) uint16 {
	if slot >= s.totalSlots {
		panic(fmt.Errorf("BUG: slot %d out of range (total slots %d)", slot, s.totalSlots))
	}
	idx := sort.Search(len(s.slotEnds), func(i int) bool {
		return s.slotEnds[i] > slot
	})
	return uint16(idx)
}

// SlotsIn sums the slots of every slot band set in bs.
func (s ValidatorSet) SlotsIn(bs *bitset.BitSet) uint32 {
	var n uint32
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		if i >= uint(len(s.Validators)) {
			break
		}
		n += uint32(s.Validators[i].Slots)
	}
	return n
}
