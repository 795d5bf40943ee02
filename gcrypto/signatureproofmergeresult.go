package gcrypto

// SignatureProofMergeResult describes what was learned by merging
// a peer's sparse proof into a local proof.
//
// A peer contribution whose AllValidSignatures is false must not be relayed.
// IncreasedSignatures reports whether the local proof gained signatures;
// it says nothing about signatures the peer was missing.
type SignatureProofMergeResult struct {
	// Whether every signature in the incoming proof was valid.
	AllValidSignatures bool

	// Whether merging added signatures the local proof did not have.
	IncreasedSignatures bool

	// Whether the incoming proof covered every key the local proof already had, and more.
	WasStrictSuperset bool
}
