package gcmd_test

import (
	"testing"

	"github.com/gordian-engine/gmicro/cmd/internal/gcmd"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestSignerFromInsecurePassphrase(t *testing.T) {
	t.Parallel()

	a1, err := gcmd.SignerFromInsecurePassphrase("alpha")
	require.NoError(t, err)
	a2, err := gcmd.SignerFromInsecurePassphrase("alpha")
	require.NoError(t, err)
	b, err := gcmd.SignerFromInsecurePassphrase("beta")
	require.NoError(t, err)

	require.True(t, a1.PubKey().Equal(a2.PubKey()))
	require.False(t, a1.PubKey().Equal(b.PubKey()))
}

func TestLibp2pKeyFromInsecurePassphrase(t *testing.T) {
	t.Parallel()

	k1, err := gcmd.Libp2pKeyFromInsecurePassphrase("alpha")
	require.NoError(t, err)
	k2, err := gcmd.Libp2pKeyFromInsecurePassphrase("alpha")
	require.NoError(t, err)

	id1, err := peer.IDFromPrivateKey(k1)
	require.NoError(t, err)
	id2, err := peer.IDFromPrivateKey(k2)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	// The network key is not the validator key.
	s, err := gcmd.SignerFromInsecurePassphrase("alpha")
	require.NoError(t, err)
	raw, err := k1.GetPublic().Raw()
	require.NoError(t, err)
	require.NotEqual(t, s.PubKey().PubKeyBytes(), raw)
}
