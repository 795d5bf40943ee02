// Package mbstore declares the persistence interfaces for the micro block chain.
package mbstore

import (
	"context"

	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// BlockStore durably records committed blocks.
//
// The chain saves a block before exposing it in memory,
// so a restarted process never observes a head it did not persist.
type BlockStore interface {
	// SaveBlock records b, replacing any block previously saved at b.Number.
	// Replacement happens when a skip block rebranches the head.
	SaveBlock(ctx context.Context, b mbconsensus.Block) error

	// LoadBlock returns the block saved at number,
	// or a [BlockUnknownError] if there is none.
	LoadBlock(ctx context.Context, number uint32) (mbconsensus.Block, error)

	// Watermark returns the highest saved block number.
	// It returns [ErrStoreUninitialized] before the first SaveBlock call.
	Watermark(ctx context.Context) (uint32, error)
}
