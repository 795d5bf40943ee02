package mbconsensus

import (
	"encoding/binary"

	"github.com/gordian-engine/gmicro/gcrypto"
)

// SkipBlockInfo identifies one skip block round.
// Validators attest to its SignBytes when the proposer of BlockNumber is absent.
type SkipBlockInfo struct {
	BlockNumber uint32
	VRFEntropy  Entropy
}

var skipSignPrefix = []byte("gmicro/skip-block/v1\x00")

// SignBytes returns the message validators sign to attest to i.
func (i SkipBlockInfo) SignBytes() []byte {
	out := make([]byte, 0, len(skipSignPrefix)+4+SeedSize)
	out = append(out, skipSignPrefix...)
	out = binary.BigEndian.AppendUint32(out, i.BlockNumber)
	out = append(out, i.VRFEntropy[:]...)
	return out
}

// SkipBlockProof is the supermajority attestation justifying a skip block.
type SkipBlockProof struct {
	Signatures gcrypto.SparseSignatureProof
}

// NewSkipAttestation returns an empty signature proof for info over vals.
func NewSkipAttestation(info SkipBlockInfo, vals ValidatorSet) *gcrypto.SimpleCommonMessageSignatureProof {
	return gcrypto.NewSimpleCommonMessageSignatureProof(info.SignBytes(), vals.PubKeys(), vals.PubKeyHash)
}

// Verify checks that p holds valid signatures for info
// from validators owning at least a quorum of slots.
func (p SkipBlockProof) Verify(info SkipBlockInfo, vals ValidatorSet) error {
	if p.Signatures.PubKeyHash != vals.PubKeyHash {
		return InvalidSkipProofError{
			BlockNumber: info.BlockNumber,
			Reason:      "proof references a different validator set",
		}
	}

	full := NewSkipAttestation(info, vals)
	res := full.MergeSparse(p.Signatures)
	if !res.AllValidSignatures {
		return InvalidSkipProofError{
			BlockNumber: info.BlockNumber,
			Reason:      "proof contains invalid signatures",
		}
	}

	have := vals.SlotsIn(full.SignatureBitSet())
	if need := vals.QuorumSlots(); have < need {
		return InvalidSkipProofError{
			BlockNumber: info.BlockNumber,
			Reason:      "insufficient slots",
			Have:        have,
			Need:        need,
		}
	}

	return nil
}

// SkipContribution is what a validator gossips during a skip block round:
// its own signature, or everything it has aggregated so far.
type SkipContribution struct {
	Info       SkipBlockInfo
	Signatures gcrypto.SparseSignatureProof
}
