package gcryptotest

import (
	"context"
	"testing"

	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/stretchr/testify/require"
)

// NewProofFunc constructs an empty proof for compliance tests.
type NewProofFunc func(msg []byte, candidateKeys []gcrypto.PubKey, pubKeyHash string) gcrypto.CommonMessageSignatureProof

// TestCommonMessageSignatureProofCompliance_Ed25519 checks the behavior
// every [gcrypto.CommonMessageSignatureProof] must share,
// using deterministic ed25519 keys.
func TestCommonMessageSignatureProofCompliance_Ed25519(t *testing.T, newProof NewProofFunc) {
	t.Parallel()

	ctx := context.Background()

	signers := DeterministicEd25519Signers(4)
	keys := make([]gcrypto.PubKey, len(signers))
	for i, s := range signers {
		keys[i] = s.PubKey()
	}

	hello := []byte("hello")
	helloSigs := make([][]byte, len(signers))
	for i, s := range signers {
		sig, err := s.Sign(ctx, hello)
		require.NoError(t, err)
		helloSigs[i] = sig
	}

	t.Run("Message and PubKeyHash", func(t *testing.T) {
		t.Parallel()

		p := newProof(hello, keys[:2], "myhash")
		require.Equal(t, hello, p.Message())
		require.Equal(t, []byte("myhash"), p.PubKeyHash())
	})

	t.Run("AddSignature", func(t *testing.T) {
		t.Run("accepts valid signature", func(t *testing.T) {
			t.Parallel()

			p := newProof(hello, keys[:2], "myhash")
			require.NoError(t, p.AddSignature(helloSigs[0], keys[0]))
			require.True(t, p.SignatureBitSet().Test(0))
		})

		t.Run("rejects invalid signature from valid key", func(t *testing.T) {
			t.Parallel()

			p := newProof(hello, keys[:2], "myhash")

			sig, err := signers[0].Sign(ctx, []byte("something else"))
			require.NoError(t, err)

			require.ErrorIs(t, p.AddSignature(sig, keys[0]), gcrypto.ErrInvalidSignature)
			require.Zero(t, p.SignatureBitSet().Count())
		})

		t.Run("rejects unknown key", func(t *testing.T) {
			t.Parallel()

			p := newProof(hello, keys[:1], "myhash")
			require.ErrorIs(t, p.AddSignature(helloSigs[1], keys[1]), gcrypto.ErrUnknownKey)
		})
	})

	t.Run("AsSparse", func(t *testing.T) {
		t.Run("empty before any signatures added", func(t *testing.T) {
			t.Parallel()

			sparse := newProof(hello, keys[:2], "myhash").AsSparse()
			require.Equal(t, "myhash", sparse.PubKeyHash)
			require.Empty(t, sparse.Signatures)
		})

		t.Run("ordered and deterministic", func(t *testing.T) {
			t.Parallel()

			p := newProof(hello, keys, "myhash")
			for _, i := range []int{3, 1, 0, 2} {
				require.NoError(t, p.AddSignature(helloSigs[i], keys[i]))
			}

			orig := p.AsSparse()
			require.Len(t, orig.Signatures, 4)
			for i := 1; i < len(orig.Signatures); i++ {
				require.Less(t, string(orig.Signatures[i-1].KeyID), string(orig.Signatures[i].KeyID))
			}

			for range 10 {
				require.Equal(t, orig, p.AsSparse())
			}
		})
	})

	t.Run("MergeSparse", func(t *testing.T) {
		t.Run("adds new signatures", func(t *testing.T) {
			t.Parallel()

			src := newProof(hello, keys, "myhash")
			require.NoError(t, src.AddSignature(helloSigs[1], keys[1]))
			require.NoError(t, src.AddSignature(helloSigs[2], keys[2]))

			dst := newProof(hello, keys, "myhash")
			require.NoError(t, dst.AddSignature(helloSigs[1], keys[1]))

			res := dst.MergeSparse(src.AsSparse())
			require.Equal(t, gcrypto.SignatureProofMergeResult{
				AllValidSignatures:  true,
				IncreasedSignatures: true,
				WasStrictSuperset:   true,
			}, res)
			require.Equal(t, uint(2), dst.SignatureBitSet().Count())
		})

		t.Run("nothing new", func(t *testing.T) {
			t.Parallel()

			src := newProof(hello, keys, "myhash")
			require.NoError(t, src.AddSignature(helloSigs[0], keys[0]))

			dst := newProof(hello, keys, "myhash")
			require.NoError(t, dst.AddSignature(helloSigs[0], keys[0]))
			require.NoError(t, dst.AddSignature(helloSigs[3], keys[3]))

			res := dst.MergeSparse(src.AsSparse())
			require.True(t, res.AllValidSignatures)
			require.False(t, res.IncreasedSignatures)
			require.False(t, res.WasStrictSuperset)
		})

		t.Run("mismatched key hash is ignored", func(t *testing.T) {
			t.Parallel()

			src := newProof(hello, keys, "otherhash")
			require.NoError(t, src.AddSignature(helloSigs[0], keys[0]))

			dst := newProof(hello, keys, "myhash")
			res := dst.MergeSparse(src.AsSparse())
			require.Equal(t, gcrypto.SignatureProofMergeResult{}, res)
			require.Zero(t, dst.SignatureBitSet().Count())
		})

		t.Run("invalid signatures are reported and skipped", func(t *testing.T) {
			t.Parallel()

			src := newProof(hello, keys, "myhash")
			require.NoError(t, src.AddSignature(helloSigs[0], keys[0]))
			require.NoError(t, src.AddSignature(helloSigs[1], keys[1]))
			sparse := src.AsSparse()

			// Swap the signatures so neither verifies under its key ID.
			sparse.Signatures[0].Sig, sparse.Signatures[1].Sig = sparse.Signatures[1].Sig, sparse.Signatures[0].Sig

			// And add a key ID out of range.
			sparse.Signatures = append(sparse.Signatures, gcrypto.SparseSignature{
				KeyID: []byte{0, 9},
				Sig:   helloSigs[2],
			})

			dst := newProof(hello, keys, "myhash")
			res := dst.MergeSparse(sparse)
			require.False(t, res.AllValidSignatures)
			require.False(t, res.IncreasedSignatures)
			require.Zero(t, dst.SignatureBitSet().Count())
		})
	})

	t.Run("HasSparseKeyID", func(t *testing.T) {
		t.Parallel()

		p := newProof(hello, keys, "myhash")
		require.NoError(t, p.AddSignature(helloSigs[2], keys[2]))

		var id []byte
		for _, s := range p.AsSparse().Signatures {
			id = s.KeyID
		}

		has, valid := p.HasSparseKeyID(id)
		require.True(t, has)
		require.True(t, valid)

		_, valid = p.HasSparseKeyID([]byte("not a key id"))
		require.False(t, valid)
	})

	t.Run("Clone", func(t *testing.T) {
		t.Parallel()

		orig := newProof(hello, keys, "myhash")
		clone := orig.Clone()

		require.NoError(t, orig.AddSignature(helloSigs[0], keys[0]))
		require.Zero(t, clone.SignatureBitSet().Count())

		require.NoError(t, clone.AddSignature(helloSigs[1], keys[1]))
		require.Equal(t, uint(1), orig.SignatureBitSet().Count())
		require.True(t, orig.SignatureBitSet().Test(0))
		require.False(t, orig.SignatureBitSet().Test(1))
	})
}
