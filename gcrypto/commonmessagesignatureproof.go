package gcrypto

import (
	"github.com/bits-and-blooms/bitset"
)

// CommonMessageSignatureProof accumulates signatures from a fixed set of
// candidate public keys, all over the same message.
//
// The candidate keys are fixed at construction,
// and [CommonMessageSignatureProof.SignatureBitSet] reports
// which indices into that candidate slice have a verified signature.
// Skip block attestations are collected this way:
// every validator signs the identical skip block message.
type CommonMessageSignatureProof interface {
	// Message is the value every signature in the proof covers.
	Message() []byte

	// PubKeyHash identifies the candidate key set,
	// so that two independently built proofs can cheaply confirm
	// they reference the same validators.
	PubKeyHash() []byte

	// AddSignature verifies sig against key and records it.
	//
	// It returns ErrUnknownKey if key is not a candidate,
	// or ErrInvalidSignature if sig does not verify.
	// Signatures received from peers should go through MergeSparse instead.
	AddSignature(sig []byte, key PubKey) error

	// MergeSparse verifies and adds every signature in the sparse proof.
	// Signatures already present are not verified again.
	MergeSparse(SparseSignatureProof) SignatureProofMergeResult

	// HasSparseKeyID reports whether the proof already holds a signature
	// for the key identified by keyID.
	// If keyID does not refer to a candidate key, valid is false.
	HasSparseKeyID(keyID []byte) (has, valid bool)

	// SignatureBitSet returns the set of candidate key indices
	// with a verified signature.
	// The returned value must not be modified.
	SignatureBitSet() *bitset.BitSet

	// Clone returns an independent copy of the proof.
	Clone() CommonMessageSignatureProof

	// AsSparse returns the minimal form of the proof for network transmission.
	AsSparse() SparseSignatureProof
}

// SparseSignatureProof is the transmissible form of a
// [CommonMessageSignatureProof].
// A receiver holding the candidate keys can restore
// full knowledge with MergeSparse.
type SparseSignatureProof struct {
	// The PubKeyHash of the proof this was derived from.
	PubKeyHash string

	// Signatures ordered by key ID.
	Signatures []SparseSignature
}

// SparseSignature pairs a signature with an opaque,
// proof-specific identifier of the signing key.
type SparseSignature struct {
	KeyID []byte

	Sig []byte
}
