package gwatchdog

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// MonitorConfig configures polling of one loop.
type MonitorConfig struct {
	// Identifies the loop in logs and in [FailureToRespondError].
	Name string

	// Signals are sent every Interval, offset uniformly within [-Jitter, +Jitter).
	Interval, Jitter time.Duration

	// Time allowed to both accept a signal and close its Alive channel.
	ResponseTimeout time.Duration
}

func (c MonitorConfig) validate() error {
	var err error

	if c.Name == "" {
		err = errors.Join(err, errors.New("Name must not be empty"))
	}
	if c.Interval <= 0 {
		err = errors.Join(err, errors.New("Interval must be positive"))
	}
	if c.Jitter <= 0 {
		err = errors.Join(err, errors.New("Jitter must be positive"))
	}
	if c.Jitter > c.Interval {
		err = errors.Join(err, errors.New("Jitter must not exceed Interval"))
	}
	if c.ResponseTimeout <= 0 {
		err = errors.Join(err, errors.New("ResponseTimeout must be positive"))
	}

	return err
}

type monitor struct {
	log   *slog.Logger
	clock clock.Clock
	cfg   MonitorConfig

	sigCh  chan<- Signal
	cancel context.CancelCauseFunc
}

func (m *monitor) run(ctx context.Context) {
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	for {
		j := time.Duration(rng.Int64N(int64(2*m.cfg.Jitter))) - m.cfg.Jitter
		t := m.clock.Timer(m.cfg.Interval + j)

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if !m.probe(ctx) {
			return
		}
	}
}

// probe sends one signal and waits for its response.
// It reports false once monitoring should stop.
func (m *monitor) probe(ctx context.Context) bool {
	alive := make(chan struct{})

	t := m.clock.Timer(m.cfg.ResponseTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case m.sigCh <- Signal{Alive: alive}:
	case <-t.C:
		m.fail()
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-alive:
		return true
	case <-t.C:
		// Both cases may have been ready together.
		select {
		case <-alive:
			return true
		default:
			m.fail()
			return false
		}
	}
}

func (m *monitor) fail() {
	m.log.Error("Monitored subsystem failed to respond; terminating")
	m.cancel(FailureToRespondError{SubsystemName: m.cfg.Name})
}
