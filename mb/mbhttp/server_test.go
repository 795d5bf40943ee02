package mbhttp_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/internal/gtest"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbconsensus/mbconsensustest"
	"github.com/gordian-engine/gmicro/mb/mbhttp"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	Cons  *mbconsensustest.Fixture
	Chain *mbchain.Blockchain
	Base  string
}

func newFixture(t *testing.T, ctx context.Context) fixture {
	t.Helper()

	fx := mbconsensustest.NewFixture(4)
	c, err := mbchain.NewBlockchain(ctx, gtest.NewLogger(t), mbchain.BlockchainConfig{
		Genesis:          fx.Genesis(),
		Validators:       fx.Validators,
		ProposerSelector: mbconsensus.RoundRobin{},
		ProducerTimeout:  fx.ProducerTimeout,
	})
	require.NoError(t, err)

	ln, err := (new(net.ListenConfig)).Listen(ctx, "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reg := new(gcrypto.Registry)
	gcrypto.RegisterEd25519(reg)

	ctx, cancel := context.WithCancel(ctx)
	h := mbhttp.NewHTTPServer(ctx, gtest.NewLogger(t), mbhttp.HTTPServerConfig{
		Listener:       ln,
		Chain:          c,
		CryptoRegistry: reg,
	})
	t.Cleanup(func() {
		cancel()
		h.Wait()
	})

	return fixture{Cons: fx, Chain: c, Base: "http://" + ln.Addr().String()}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func getStatus(t *testing.T, url string) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestHTTPServer_Blocks_Watermark(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx)

	t.Run("genesis", func(t *testing.T) {
		var wm mbhttp.Watermark
		getJSON(t, f.Base+"/blocks/watermark", &wm)

		g := f.Cons.Genesis()
		require.Equal(t, mbhttp.Watermark{
			HeadNumber:    0,
			HeadHash:      hex.EncodeToString(g.Hash),
			HeadTimestamp: g.Timestamp,
			MacroNumber:   0,
		}, wm)
	})

	t.Run("after a push", func(t *testing.T) {
		b := f.Cons.NextMicroBlock(ctx, f.Cons.Genesis(), 1, nil)
		_, err := f.Chain.Push(ctx, b)
		require.NoError(t, err)

		var wm mbhttp.Watermark
		getJSON(t, f.Base+"/blocks/watermark", &wm)

		require.Equal(t, uint32(1), wm.HeadNumber)
		require.Equal(t, hex.EncodeToString(b.Hash), wm.HeadHash)
		require.Zero(t, wm.MacroNumber)
	})
}

func TestHTTPServer_Blocks_ByNumber(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx)

	tx := mbconsensus.Transaction{Sender: "alice", Fee: 3, ValidityStart: 1}
	b1 := f.Cons.NextMicroBlock(ctx, f.Cons.Genesis(), 1, []mbconsensus.Transaction{tx})
	_, err := f.Chain.Push(ctx, b1)
	require.NoError(t, err)

	b2 := f.Cons.NextSkipBlock(ctx, b1)
	_, err = f.Chain.Push(ctx, b2)
	require.NoError(t, err)

	t.Run("micro block", func(t *testing.T) {
		var jb mbhttp.JSONBlock
		getJSON(t, f.Base+"/blocks/1", &jb)

		require.Equal(t, "micro", jb.Type)
		require.Equal(t, uint32(1), jb.Number)
		require.Equal(t, hex.EncodeToString(b1.Hash), jb.Hash)
		require.False(t, jb.Skip)
		require.NotNil(t, jb.ProposerSlot)
		require.Equal(t, uint16(1), *jb.ProposerSlot)
		require.Len(t, jb.Transactions, 1)
		require.Equal(t, tx.Sender, jb.Transactions[0].Sender)
		require.Equal(t, hex.EncodeToString(tx.Hash()), jb.Transactions[0].Hash)
	})

	t.Run("skip block", func(t *testing.T) {
		var jb mbhttp.JSONBlock
		getJSON(t, f.Base+"/blocks/2", &jb)

		require.True(t, jb.Skip)
		require.Nil(t, jb.ProposerSlot)
		require.Empty(t, jb.Transactions)
		require.Equal(t, len(b2.SkipProof.Signatures.Signatures), jb.SkipSignatures)
	})

	t.Run("genesis", func(t *testing.T) {
		var jb mbhttp.JSONBlock
		getJSON(t, f.Base+"/blocks/0", &jb)
		require.Equal(t, "macro", jb.Type)
	})

	t.Run("unknown", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, getStatus(t, f.Base+"/blocks/99"))
	})

	t.Run("out of range", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, getStatus(t, f.Base+"/blocks/99999999999"))
	})

	t.Run("not a number", func(t *testing.T) {
		require.Equal(t, http.StatusNotFound, getStatus(t, f.Base+"/blocks/abc"))
	})
}

func TestHTTPServer_Validators(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, ctx)

	var vals mbhttp.Validators
	getJSON(t, f.Base+"/validators", &vals)

	require.Equal(t, f.Cons.Validators.PubKeyHash, vals.PubKeyHash)
	require.Equal(t, uint32(4), vals.TotalSlots)
	require.Equal(t, uint32(3), vals.QuorumSlots)

	require.Len(t, vals.Validators, 4)
	for i, v := range vals.Validators {
		require.Equal(t, uint16(i), v.SlotBand)
		require.Equal(t, "ed25519", v.KeyType)
		require.Equal(t, f.Cons.PrivVals[i].Val.PubKey.PubKeyBytes(), v.PubKey)
		require.Equal(t, uint16(1), v.Slots)
	}
}
