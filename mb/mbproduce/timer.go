package mbproduce

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is the interface the production cycle uses for its two waits.
// Each method returns a channel that is closed once d elapses,
// and a cancel function that must be called to release resources.
// The cancel function is safe to call multiple times,
// and it never closes the channel.
//
// Using a Timer rather than [time.Timer] lets tests
// control exactly when each wait ends.
type Timer interface {
	// ProductionTimer waits until the scheduled production time of blockNumber.
	ProductionTimer(ctx context.Context, blockNumber uint32, d time.Duration) (ch <-chan struct{}, cancel func())

	// FallbackTimer waits until a skip block round for blockNumber may start.
	FallbackTimer(ctx context.Context, blockNumber uint32, d time.Duration) (ch <-chan struct{}, cancel func())
}

// StandardTimer is the default [Timer], backed by a [clock.Clock].
type StandardTimer struct {
	// Defaults to the wall clock.
	Clock clock.Clock
}

func (t StandardTimer) ProductionTimer(_ context.Context, _ uint32, d time.Duration) (<-chan struct{}, func()) {
	return t.after(d)
}

func (t StandardTimer) FallbackTimer(_ context.Context, _ uint32, d time.Duration) (<-chan struct{}, func()) {
	return t.after(d)
}

func (t StandardTimer) after(d time.Duration) (<-chan struct{}, func()) {
	clk := t.Clock
	if clk == nil {
		clk = clock.New()
	}

	ch := make(chan struct{})
	timer := clk.AfterFunc(d, func() { close(ch) })
	return ch, func() { timer.Stop() }
}
