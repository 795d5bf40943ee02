// Package gwatchdog terminates a process whose long-running loops stop responding.
//
// A loop opts in through [*Watchdog.Monitor] and receives a [Signal]
// every polling interval.
// If the loop does not accept a signal and close its Alive channel
// within the response timeout, the watchdog cancels its context,
// which every subsystem derived from that context observes.
package gwatchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gmicro/internal/gchan"
)

type Watchdog struct {
	log *slog.Logger

	clock clock.Clock

	cancel context.CancelCauseFunc

	// Nil for a nop watchdog.
	monitorRequests chan monitorRequest

	wg sync.WaitGroup
}

type monitorRequest struct {
	Cfg  MonitorConfig
	Resp chan (<-chan Signal)
}

// NewWatchdog returns a Watchdog polling on clk,
// and a context derived from ctx that the Watchdog cancels
// when a monitored loop fails to respond, or on [*Watchdog.Terminate].
// A nil clk means the wall clock.
func NewWatchdog(ctx context.Context, log *slog.Logger, clk clock.Clock) (*Watchdog, context.Context) {
	if clk == nil {
		clk = clock.New()
	}
	return newWatchdog(ctx, log, clk, make(chan monitorRequest))
}

// NewNopWatchdog returns a Watchdog that never polls:
// Monitor returns a nil channel, but Terminate still cancels the context.
// It is intended for tests.
func NewNopWatchdog(ctx context.Context, log *slog.Logger) (*Watchdog, context.Context) {
	return newWatchdog(ctx, log, clock.New(), nil)
}

func newWatchdog(
	ctx context.Context, log *slog.Logger, clk clock.Clock, reqs chan monitorRequest,
) (*Watchdog, context.Context) {
	wCtx, cancel := context.WithCancelCause(ctx)
	w := &Watchdog{
		log:   log,
		clock: clk,

		cancel: cancel,

		monitorRequests: reqs,
	}

	w.wg.Add(1)
	go w.kernel(ctx, wCtx)

	return w, wCtx
}

// Wait blocks until every goroutine of w has stopped.
// They stop when the context passed to the constructor is canceled;
// a termination alone does not stop them.
func (w *Watchdog) Wait() {
	w.wg.Wait()
}

// Terminate cancels the watchdog context with a [ForcedTerminationError].
func (w *Watchdog) Terminate(reason string) {
	w.cancel(ForcedTerminationError{Reason: reason})
}

func (w *Watchdog) kernel(rootCtx, wCtx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-rootCtx.Done():
			w.log.Info("Stopping due to root context cancellation", "cause", context.Cause(rootCtx))
			return

		case req := <-w.monitorRequests:
			sigCh := make(chan Signal)
			m := &monitor{
				log:   w.log.With("target", req.Cfg.Name),
				clock: w.clock,
				cfg:   req.Cfg,

				sigCh:  sigCh,
				cancel: w.cancel,
			}

			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				// Monitors stop on termination as well as on root cancellation.
				m.run(wCtx)
			}()

			req.Resp <- sigCh
		}
	}
}

// Monitor starts polling a loop named cfg.Name.
// The loop must receive from the returned channel in its select
// and close each [Signal.Alive] promptly.
//
// The returned channel is nil for a nop watchdog,
// or if ctx is canceled before the monitor starts.
// Monitor panics if cfg is invalid.
func (w *Watchdog) Monitor(ctx context.Context, cfg MonitorConfig) <-chan Signal {
	if err := cfg.validate(); err != nil {
		panic(fmt.Errorf("(*Watchdog).Monitor: invalid MonitorConfig: %w", err))
	}

	if w.monitorRequests == nil {
		return nil
	}

	req := monitorRequest{
		Cfg:  cfg,
		Resp: make(chan (<-chan Signal), 1),
	}
	ch, _ := gchan.ReqResp(
		ctx, w.log,
		w.monitorRequests, req,
		req.Resp,
		"requesting new monitor",
	)
	return ch
}

// Signal is a liveness probe sent to a monitored loop.
type Signal struct {
	// Close to report liveness. Never nil.
	Alive chan<- struct{}
}

// IsTermination reports whether ctx was canceled by a watchdog.
func IsTermination(ctx context.Context) bool {
	cause := context.Cause(ctx)
	if cause == nil {
		return false
	}

	var ftr FailureToRespondError
	var ft ForcedTerminationError
	return errors.As(cause, &ftr) || errors.As(cause, &ft)
}

// FailureToRespondError is the termination cause
// when a monitored loop misses its response timeout.
type FailureToRespondError struct {
	SubsystemName string
}

func (e FailureToRespondError) Error() string {
	return e.SubsystemName + " failed to respond to watchdog within its response timeout"
}

// ForcedTerminationError is the termination cause from [*Watchdog.Terminate].
type ForcedTerminationError struct {
	Reason string
}

func (e ForcedTerminationError) Error() string {
	return "watchdog forced termination: " + e.Reason
}
