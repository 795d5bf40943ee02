package mbchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/gmicro/internal/glog"
	"github.com/gordian-engine/gmicro/internal/gsync"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbstore"
)

// BlockchainConfig is the configuration for [NewBlockchain].
type BlockchainConfig struct {
	// Genesis must be a macro block.
	// It is only used when Store is nil or empty.
	Genesis mbconsensus.Block

	Validators mbconsensus.ValidatorSet

	ProposerSelector mbconsensus.ProposerSelector

	// Minimum gap between a skip block and its parent.
	ProducerTimeout time.Duration

	// Optional. When set, every committed block is saved here
	// before it becomes visible, and the chain resumes from here on startup.
	Store mbstore.BlockStore
}

func (c BlockchainConfig) validate() error {
	var err error

	if c.Genesis.Type != mbconsensus.BlockTypeMacro {
		err = errors.Join(err, errors.New("genesis must be a macro block"))
	}
	if len(c.Validators.Validators) == 0 {
		err = errors.Join(err, errors.New("no validators set"))
	}
	if c.ProposerSelector == nil {
		err = errors.Join(err, errors.New("no proposer selector set"))
	}
	if c.ProducerTimeout <= 0 {
		err = errors.Join(err, errors.New("producer timeout must be positive"))
	}

	return err
}

// Blockchain is the in-process [Chain].
//
// Blocks from the most recent macro block through the head are kept in memory.
// Older blocks are only available through the Store, if one is configured.
type Blockchain struct {
	log *slog.Logger

	mu gsync.UpgradableRWMutex

	// Everything below is guarded by mu.
	st chainState

	headChanged chan struct{}

	store mbstore.BlockStore
}

var _ Chain = (*Blockchain)(nil)

// NewBlockchain returns a Blockchain starting at cfg.Genesis,
// or resuming from the highest block in cfg.Store.
func NewBlockchain(ctx context.Context, log *slog.Logger, cfg BlockchainConfig) (*Blockchain, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid blockchain config: %w", err)
	}

	c := &Blockchain{
		log: log,

		st: chainState{
			vals:    cfg.Validators,
			sel:     cfg.ProposerSelector,
			timeout: uint64(cfg.ProducerTimeout.Milliseconds()),

			blocks: make(map[uint32]mbconsensus.Block),
		},

		headChanged: make(chan struct{}),

		store: cfg.Store,
	}

	if cfg.Store == nil {
		c.st.resetTo(cfg.Genesis)
		return c, nil
	}

	wm, err := cfg.Store.Watermark(ctx)
	if errors.Is(err, mbstore.ErrStoreUninitialized) {
		if err := cfg.Store.SaveBlock(ctx, cfg.Genesis); err != nil {
			return nil, fmt.Errorf("failed to save genesis: %w", err)
		}
		c.st.resetTo(cfg.Genesis)
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store watermark: %w", err)
	}

	if err := c.restore(ctx, wm); err != nil {
		return nil, err
	}

	c.log.Info(
		"Resumed chain from store",
		"head_number", c.st.head.Number,
		"macro_number", c.st.macroHead.Number,
	)
	return c, nil
}

// restore loads blocks from the store,
// walking back from the watermark to the nearest macro block.
func (c *Blockchain) restore(ctx context.Context, wm uint32) error {
	var loaded []mbconsensus.Block
	for n := wm; ; n-- {
		b, err := c.store.LoadBlock(ctx, n)
		if err != nil {
			return fmt.Errorf("failed to load block %d during restore: %w", n, err)
		}
		loaded = append(loaded, b)

		if b.IsMacro() {
			break
		}
		if n == 0 {
			return errors.New("no macro block found in store")
		}
	}

	// loaded is in descending order; the last element is the macro block.
	c.st.resetTo(loaded[len(loaded)-1])
	for i := len(loaded) - 2; i >= 0; i-- {
		c.st.append(loaded[i])
	}
	return nil
}

func (c *Blockchain) Read() ReadGuard {
	c.mu.RLock()
	return &readGuard{chainState: &c.st, c: c}
}

func (c *Blockchain) UpgradableRead() UpgradableGuard {
	c.mu.ULock()
	return &upgradableGuard{chainState: &c.st, c: c}
}

// Push commits b if it is valid, without holding a guard beforehand.
// This is the entry point for blocks received from other validators.
func (c *Blockchain) Push(ctx context.Context, b mbconsensus.Block) (mbconsensus.PushResult, error) {
	return c.UpgradableRead().Push(ctx, b)
}

// HeadChanged returns a channel that is closed
// the next time a block is committed.
func (c *Blockchain) HeadChanged() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headChanged
}

// BlockByNumber returns the committed block at number.
// Blocks older than the current macro block are read from the store.
func (c *Blockchain) BlockByNumber(ctx context.Context, number uint32) (mbconsensus.Block, error) {
	c.mu.RLock()
	b, ok := c.st.blocks[number]
	c.mu.RUnlock()

	if ok {
		return b.Clone(), nil
	}

	if c.store == nil {
		return mbconsensus.Block{}, mbstore.BlockUnknownError{Number: number}
	}
	return c.store.LoadBlock(ctx, number)
}

// push is called with the upgradable lock held,
// and returns with no lock held.
func (c *Blockchain) push(
	ctx context.Context, b mbconsensus.Block, trusted bool,
) (mbconsensus.PushResult, error) {
	res, err := c.st.check(b, trusted)
	if err != nil || res == mbconsensus.PushKnown {
		c.mu.UUnlock()
		if err != nil {
			glog.BNE(c.log, b.Number, err).Debug("Rejected block")
		}
		return res, err
	}

	b = b.Clone()

	// Still excluding other writers, but not readers, during the save.
	if c.store != nil {
		if err := c.store.SaveBlock(ctx, b); err != nil {
			c.mu.UUnlock()
			return 0, fmt.Errorf("failed to save block %d: %w", b.Number, err)
		}
	}

	c.mu.Upgrade()
	if res == mbconsensus.PushRebranched {
		c.st.replaceHead(b)
	} else {
		c.st.append(b)
	}
	close(c.headChanged)
	c.headChanged = make(chan struct{})
	c.mu.Unlock()

	glog.BN(c.log, b.Number).Debug(
		"Committed block",
		"result", res,
		"skip", b.IsSkip(),
		"hash", glog.Hex(b.Hash),
	)

	return res, nil
}

type readGuard struct {
	*chainState

	c        *Blockchain
	released bool
}

func (g *readGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.c.mu.RUnlock()
}

type upgradableGuard struct {
	*chainState

	c        *Blockchain
	released bool
}

func (g *upgradableGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.c.mu.UUnlock()
}

func (g *upgradableGuard) Push(ctx context.Context, b mbconsensus.Block) (mbconsensus.PushResult, error) {
	return g.push(ctx, b, false)
}

func (g *upgradableGuard) TrustedPush(ctx context.Context, b mbconsensus.Block) (mbconsensus.PushResult, error) {
	return g.push(ctx, b, true)
}

func (g *upgradableGuard) push(
	ctx context.Context, b mbconsensus.Block, trusted bool,
) (mbconsensus.PushResult, error) {
	if g.released {
		panic(errors.New("BUG: push on released upgradable guard"))
	}
	g.released = true
	return g.c.push(ctx, b, trusted)
}
