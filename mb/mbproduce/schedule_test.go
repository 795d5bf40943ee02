package mbproduce_test

import (
	"context"
	"testing"
	"time"

	"github.com/gordian-engine/gmicro/internal/gtest"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbproduce"
	"github.com/stretchr/testify/require"
)

// stubView is a View with fixed heads, for cases a real chain cannot reach.
type stubView struct {
	head, macro mbconsensus.Block
}

func (v stubView) Head() mbconsensus.Block                     { return v.head }
func (v stubView) MacroHead() mbconsensus.Block                { return v.macro }
func (v stubView) BlockNumber() uint32                         { return v.head.Number }
func (v stubView) Timestamp() uint64                           { return v.head.Timestamp }
func (v stubView) CurrentValidators() mbconsensus.ValidatorSet { return mbconsensus.ValidatorSet{} }
func (v stubView) ProposerFor(uint32, mbconsensus.Entropy) (uint16, error) {
	return 0, nil
}

func TestExpectedTimestamp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.RoundRobin{})
	g := f.Cons.GenesisTimestamp

	r := f.Chain.Read()
	require.Equal(t, g+1_000, mbproduce.ExpectedTimestamp(r, time.Second))
	require.Equal(t, g+250, mbproduce.ExpectedTimestamp(r, 250*time.Millisecond))
	r.Release()

	f.ExtendTo(t, ctx, 3)

	// A macro block re-anchors the schedule.
	head := f.Head()
	macro := mbconsensus.Block{
		Type:       mbconsensus.BlockTypeMacro,
		Number:     4,
		Timestamp:  head.Timestamp + 2_500,
		ParentHash: head.Hash,
		Seed:       head.Seed.NextSkipSeed(),
	}
	macro.Hash = macro.ComputeHash()
	_, err := f.Chain.Push(ctx, macro)
	require.NoError(t, err)

	r = f.Chain.Read()
	require.Equal(t, macro.Timestamp+1_000, mbproduce.ExpectedTimestamp(r, time.Second))
	r.Release()

	// Never before the macro block, even if the head somehow precedes it.
	v := stubView{
		head:  mbconsensus.Block{Number: 5},
		macro: mbconsensus.Block{Number: 10, Timestamp: 77_000},
	}
	require.Equal(t, uint64(77_000), mbproduce.ExpectedTimestamp(v, time.Second))
}

func TestScheduleDeterminism(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ctx, mbconsensus.SlotShuffle{})

	r := f.Chain.Read()
	defer r.Release()

	log := gtest.NewLogger(t)
	entropy := f.Cons.GenesisSeed.Entropy()

	wantTS := mbproduce.ExpectedTimestamp(r, time.Second)
	wantTurn := make([]bool, 4)
	for sb := range wantTurn {
		wantTurn[sb] = mbproduce.IsOurTurn(log, r, 1, uint16(sb), entropy)
	}

	// Exactly one validator's turn.
	var turns int
	for _, ok := range wantTurn {
		if ok {
			turns++
		}
	}
	require.Equal(t, 1, turns)

	for range 10 {
		require.Equal(t, wantTS, mbproduce.ExpectedTimestamp(r, time.Second))
		for sb, want := range wantTurn {
			require.Equal(t, want, mbproduce.IsOurTurn(log, r, 1, uint16(sb), entropy))
		}
	}
}

func TestIsOurTurn_lookupError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, context.Background(), mbconsensus.RoundRobin{})

	r := f.Chain.Read()
	defer r.Release()

	// Block 0 precedes the available history.
	log := gtest.NewLogger(t)
	for sb := range uint16(4) {
		require.False(t, mbproduce.IsOurTurn(log, r, 0, sb, f.Cons.GenesisSeed.Entropy()))
	}
}

func TestFallbackDelay(t *testing.T) {
	t.Parallel()

	const timeout = 4 * time.Second
	const sep = time.Second

	timeoutMs := uint64(timeout.Milliseconds())
	sepMs := uint64(sep.Milliseconds())

	const expected = 1_000_000
	for now := uint64(expected - 10_000); now <= expected+10_000; now += 125 {
		d := mbproduce.FallbackDelay(now, expected, timeout, sep)
		fire := now + uint64(d.Milliseconds())

		require.GreaterOrEqual(t, fire, now+timeoutMs)
		require.GreaterOrEqual(t, fire, expected+timeoutMs-sepMs)

		// And no later than needed.
		require.Equal(t, max(now+timeoutMs, expected+timeoutMs-sepMs), fire)
	}

	// Equal timeout and separation is the tightest valid configuration.
	require.Equal(t, time.Second, mbproduce.FallbackDelay(5_000, 5_000, time.Second, time.Second))
}
