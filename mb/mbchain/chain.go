// Package mbchain declares the view of chain state used by block production,
// and contains Blockchain, an in-process chain implementing it.
package mbchain

import (
	"context"

	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// View is read-only access to chain state.
// A View is only valid until the guard it came from is released.
type View interface {
	// Head is the most recently committed block.
	Head() mbconsensus.Block

	// MacroHead is the most recently committed macro block,
	// which anchors the block production schedule.
	MacroHead() mbconsensus.Block

	// BlockNumber is Head().Number.
	BlockNumber() uint32

	// Timestamp is Head().Timestamp.
	Timestamp() uint64

	CurrentValidators() mbconsensus.ValidatorSet

	// ProposerFor returns the slot band expected to produce blockNumber,
	// given the entropy of its parent's seed.
	// It fails with [mbconsensus.PrunedContextError]
	// if blockNumber precedes the available history.
	ProposerFor(blockNumber uint32, entropy mbconsensus.Entropy) (uint16, error)
}

// ReadGuard is a shared read lock on the chain.
// Any number of ReadGuards may be held at once,
// alongside at most one UpgradableGuard.
type ReadGuard interface {
	View

	// Release must be called once the caller is done with the View.
	// Further calls are no-ops.
	Release()
}

// UpgradableGuard is a read lock that excludes other writers,
// and that can become the exclusive write lock without a gap
// in which another writer could commit.
type UpgradableGuard interface {
	View

	// Push validates b against the current head,
	// and if valid, upgrades to the write lock and commits it.
	//
	// Push always releases the guard, whether or not b is committed.
	Push(ctx context.Context, b mbconsensus.Block) (mbconsensus.PushResult, error)

	// TrustedPush is like Push but skips signature and skip proof verification.
	// It is meant for blocks this process produced itself.
	TrustedPush(ctx context.Context, b mbconsensus.Block) (mbconsensus.PushResult, error)

	// Release gives up the guard without committing anything.
	// It is a no-op after Push, TrustedPush, or a previous Release.
	Release()
}

// Chain is the lockable chain state.
type Chain interface {
	// Read blocks until no writer holds the chain.
	Read() ReadGuard

	// UpgradableRead blocks until no writer or other upgradable reader holds the chain.
	UpgradableRead() UpgradableGuard
}
