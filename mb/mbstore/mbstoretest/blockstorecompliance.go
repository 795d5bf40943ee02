// Package mbstoretest contains compliance tests for mbstore implementations.
package mbstoretest

import (
	"context"
	"testing"

	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbconsensus/mbconsensustest"
	"github.com/gordian-engine/gmicro/mb/mbstore"
	"github.com/stretchr/testify/require"
)

type BlockStoreFactory func(cleanup func(func())) (mbstore.BlockStore, error)

func TestBlockStoreCompliance(t *testing.T, f BlockStoreFactory) {
	t.Run("watermark is uninitialized before first save", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.Watermark(ctx)
		require.ErrorIs(t, err, mbstore.ErrStoreUninitialized)
	})

	t.Run("unknown block", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		_, err = s.LoadBlock(ctx, 3)
		require.ErrorIs(t, err, mbstore.BlockUnknownError{Number: 3})
	})

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := mbconsensustest.NewFixture(4)

		g := fx.Genesis()
		require.NoError(t, s.SaveBlock(ctx, g))

		wm, err := s.Watermark(ctx)
		require.NoError(t, err)
		require.Zero(t, wm)

		b1 := fx.NextMicroBlock(ctx, g, 1, []mbconsensus.Transaction{
			{Sender: "alice", Nonce: 1, Fee: 5, ValidityStart: 1, Data: []byte("hello")},
		})
		require.NoError(t, s.SaveBlock(ctx, b1))

		b2 := fx.NextSkipBlock(ctx, b1)
		require.NoError(t, s.SaveBlock(ctx, b2))

		wm, err = s.Watermark(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(2), wm)

		for _, want := range []mbconsensus.Block{g, b1, b2} {
			got, err := s.LoadBlock(ctx, want.Number)
			require.NoError(t, err)
			require.Equal(t, want, got)
		}
	})

	t.Run("saving at an existing number replaces the block", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := mbconsensustest.NewFixture(4)

		g := fx.Genesis()
		require.NoError(t, s.SaveBlock(ctx, g))

		b1 := fx.NextMicroBlock(ctx, g, 0, nil)
		require.NoError(t, s.SaveBlock(ctx, b1))

		skip := fx.NextSkipBlock(ctx, g)
		require.NoError(t, s.SaveBlock(ctx, skip))

		got, err := s.LoadBlock(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, skip, got)

		wm, err := s.Watermark(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(1), wm)
	})

	t.Run("watermark does not regress", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s, err := f(t.Cleanup)
		require.NoError(t, err)

		fx := mbconsensustest.NewFixture(2)

		g := fx.Genesis()
		b1 := fx.NextMicroBlock(ctx, g, 0, nil)
		b2 := fx.NextMicroBlock(ctx, b1, 1, nil)

		require.NoError(t, s.SaveBlock(ctx, b2))
		require.NoError(t, s.SaveBlock(ctx, b1))

		wm, err := s.Watermark(ctx)
		require.NoError(t, err)
		require.Equal(t, uint32(2), wm)
	})
}
