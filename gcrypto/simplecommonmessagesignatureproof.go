package gcrypto

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/bits-and-blooms/bitset"
)

// SimpleCommonMessageSignatureProof stores one plain signature per candidate key.
// Key IDs in its sparse form are the big endian uint16 index of the key
// in the candidate slice.
//
// The zero value is not usable; construct with [NewSimpleCommonMessageSignatureProof].
type SimpleCommonMessageSignatureProof struct {
	msg []byte

	keys    []PubKey
	keyIdxs map[string]int
	keyHash string

	// Indexed the same as keys; nil where no signature is held.
	sigs [][]byte

	bs *bitset.BitSet
}

// NewSimpleCommonMessageSignatureProof returns an empty proof over msg.
// The candidateKeys slice is retained and must not be modified afterward.
func NewSimpleCommonMessageSignatureProof(
	msg []byte, candidateKeys []PubKey, pubKeyHash string,
) *SimpleCommonMessageSignatureProof {
	if len(candidateKeys) > 1<<16 {
		panic("BUG: simple signature proof supports at most 65536 candidate keys")
	}

	keyIdxs := make(map[string]int, len(candidateKeys))
	for i, k := range candidateKeys {
		keyIdxs[string(k.PubKeyBytes())] = i
	}

	return &SimpleCommonMessageSignatureProof{
		msg: msg,

		keys:    candidateKeys,
		keyIdxs: keyIdxs,
		keyHash: pubKeyHash,

		sigs: make([][]byte, len(candidateKeys)),

		bs: bitset.New(uint(len(candidateKeys))),
	}
}

func (p *SimpleCommonMessageSignatureProof) Message() []byte {
	return p.msg
}

func (p *SimpleCommonMessageSignatureProof) PubKeyHash() []byte {
	return []byte(p.keyHash)
}

func (p *SimpleCommonMessageSignatureProof) AddSignature(sig []byte, key PubKey) error {
	idx, ok := p.keyIdxs[string(key.PubKeyBytes())]
	if !ok {
		return ErrUnknownKey
	}

	return p.addAt(idx, sig)
}

func (p *SimpleCommonMessageSignatureProof) addAt(idx int, sig []byte) error {
	if !p.keys[idx].Verify(p.msg, sig) {
		return ErrInvalidSignature
	}

	p.sigs[idx] = bytes.Clone(sig)
	p.bs.Set(uint(idx))
	return nil
}

func (p *SimpleCommonMessageSignatureProof) MergeSparse(s SparseSignatureProof) SignatureProofMergeResult {
	if s.PubKeyHash != p.keyHash {
		return SignatureProofMergeResult{}
	}

	res := SignatureProofMergeResult{AllValidSignatures: true}

	before := p.bs.Clone()
	incoming := bitset.New(uint(len(p.keys)))

	for _, ss := range s.Signatures {
		idx, ok := p.keyIndex(ss.KeyID)
		if !ok {
			res.AllValidSignatures = false
			continue
		}

		if p.bs.Test(uint(idx)) {
			// Already held. Only a differing copy needs verification.
			if !bytes.Equal(p.sigs[idx], ss.Sig) && !p.keys[idx].Verify(p.msg, ss.Sig) {
				res.AllValidSignatures = false
				continue
			}
			incoming.Set(uint(idx))
			continue
		}

		if err := p.addAt(idx, ss.Sig); err != nil {
			res.AllValidSignatures = false
			continue
		}
		incoming.Set(uint(idx))
	}

	res.IncreasedSignatures = p.bs.Count() > before.Count()
	res.WasStrictSuperset = incoming.IsStrictSuperSet(before)
	return res
}

func (p *SimpleCommonMessageSignatureProof) HasSparseKeyID(keyID []byte) (has, valid bool) {
	idx, ok := p.keyIndex(keyID)
	if !ok {
		return false, false
	}
	return p.bs.Test(uint(idx)), true
}

func (p *SimpleCommonMessageSignatureProof) keyIndex(keyID []byte) (int, bool) {
	if len(keyID) != 2 {
		return 0, false
	}
	idx := int(binary.BigEndian.Uint16(keyID))
	if idx >= len(p.keys) {
		return 0, false
	}
	return idx, true
}

func (p *SimpleCommonMessageSignatureProof) SignatureBitSet() *bitset.BitSet {
	return p.bs
}

func (p *SimpleCommonMessageSignatureProof) Clone() CommonMessageSignatureProof {
	sigs := make([][]byte, len(p.sigs))
	for i, s := range p.sigs {
		sigs[i] = bytes.Clone(s)
	}

	return &SimpleCommonMessageSignatureProof{
		msg: bytes.Clone(p.msg),

		// Keys and their index are never modified after construction.
		keys:    p.keys,
		keyIdxs: p.keyIdxs,
		keyHash: p.keyHash,

		sigs: sigs,
		bs:   p.bs.Clone(),
	}
}

func (p *SimpleCommonMessageSignatureProof) AsSparse() SparseSignatureProof {
	out := SparseSignatureProof{
		PubKeyHash: p.keyHash,
		Signatures: make([]SparseSignature, 0, p.bs.Count()),
	}

	// Bit set iteration is ascending, so the output is ordered by key ID.
	for i, ok := p.bs.NextSet(0); ok; i, ok = p.bs.NextSet(i + 1) {
		var id [2]byte
		binary.BigEndian.PutUint16(id[:], uint16(i))
		out.Signatures = append(out.Signatures, SparseSignature{
			KeyID: id[:],
			Sig:   slices.Clone(p.sigs[i]),
		})
	}

	return out
}
