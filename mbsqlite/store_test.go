package mbsqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gordian-engine/gmicro/mb/mbcodec/mbjson"
	"github.com/gordian-engine/gmicro/mb/mbconsensus/mbconsensustest"
	"github.com/gordian-engine/gmicro/mb/mbstore"
	"github.com/gordian-engine/gmicro/mb/mbstore/mbstoretest"
	"github.com/gordian-engine/gmicro/mbsqlite"
	"github.com/stretchr/testify/require"
)

func TestNewInMemStore(t *testing.T) {
	t.Parallel()

	s, err := mbsqlite.NewInMemStore(context.Background(), mbjson.MarshalCodec{})
	require.NoError(t, err)

	t.Logf("Tests are for build type %s", s.BuildType)

	require.NoError(t, s.Close())
}

func TestBlockStoreCompliance_inMem(t *testing.T) {
	t.Parallel()

	mbstoretest.TestBlockStoreCompliance(t, func(cleanup func(func())) (mbstore.BlockStore, error) {
		s, err := mbsqlite.NewInMemStore(context.Background(), mbjson.MarshalCodec{})
		if err != nil {
			return nil, err
		}
		cleanup(func() {
			require.NoError(t, s.Close())
		})
		return s, nil
	})
}

func TestBlockStoreCompliance_onDisk(t *testing.T) {
	t.Parallel()

	mbstoretest.TestBlockStoreCompliance(t, func(cleanup func(func())) (mbstore.BlockStore, error) {
		dir := t.TempDir()
		s, err := mbsqlite.NewOnDiskStore(context.Background(), filepath.Join(dir, "blocks.sqlite"), mbjson.MarshalCodec{})
		if err != nil {
			return nil, err
		}
		cleanup(func() {
			require.NoError(t, s.Close())
		})
		return s, nil
	})
}

func TestOnDiskStore_reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blocks.sqlite")

	s, err := mbsqlite.NewOnDiskStore(ctx, path, mbjson.MarshalCodec{})
	require.NoError(t, err)

	fx := mbconsensustest.NewFixture(2)
	g := fx.Genesis()
	b1 := fx.NextMicroBlock(ctx, g, 0, nil)
	require.NoError(t, s.SaveBlock(ctx, g))
	require.NoError(t, s.SaveBlock(ctx, b1))
	require.NoError(t, s.Close())

	s, err = mbsqlite.NewOnDiskStore(ctx, path, mbjson.MarshalCodec{})
	require.NoError(t, err)
	defer s.Close()

	wm, err := s.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), wm)

	got, err := s.LoadBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, b1, got)
}
