// Package mbmemstore contains in-memory implementations of the mbstore interfaces.
package mbmemstore

import (
	"context"
	"sync"

	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbstore"
)

type BlockStore struct {
	mu sync.RWMutex

	blocks map[uint32]mbconsensus.Block

	haveWatermark bool
	watermark     uint32
}

func NewBlockStore() *BlockStore {
	return &BlockStore{
		blocks: make(map[uint32]mbconsensus.Block),
	}
}

func (s *BlockStore) SaveBlock(_ context.Context, b mbconsensus.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[b.Number] = b.Clone()

	if !s.haveWatermark || b.Number > s.watermark {
		s.watermark = b.Number
		s.haveWatermark = true
	}

	return nil
}

func (s *BlockStore) LoadBlock(_ context.Context, number uint32) (mbconsensus.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[number]
	if !ok {
		return mbconsensus.Block{}, mbstore.BlockUnknownError{Number: number}
	}

	return b.Clone(), nil
}

func (s *BlockStore) Watermark(context.Context) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.haveWatermark {
		return 0, mbstore.ErrStoreUninitialized
	}
	return s.watermark, nil
}
