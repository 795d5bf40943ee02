// Package mbproducetest contains test doubles for the mbproduce package.
package mbproducetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

const (
	productionTimerName = "ProductionTimer"
	fallbackTimerName   = "FallbackTimer"
)

// MockTimer is an mbproduce.Timer whose timers only elapse on request.
// At most one timer may be active at a time.
type MockTimer struct {
	mu sync.Mutex

	notifications map[startNotification]chan struct{}

	ch     chan struct{}
	cancel func()

	activeName string
	activeN    uint32
	activeD    time.Duration
}

type startNotification struct {
	Name string
	N    uint32
}

func (t *MockTimer) ProductionTimer(_ context.Context, n uint32, d time.Duration) (<-chan struct{}, func()) {
	return t.makeTimer(productionTimerName, n, d)
}

func (t *MockTimer) FallbackTimer(_ context.Context, n uint32, d time.Duration) (<-chan struct{}, func()) {
	return t.makeTimer(fallbackTimerName, n, d)
}

func (t *MockTimer) makeTimer(name string, n uint32, d time.Duration) (<-chan struct{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		panic(fmt.Errorf(
			"BUG: cannot create %s before previous timer elapses or is cancelled",
			name,
		))
	}

	ch := make(chan struct{})
	t.ch = ch
	t.cancel = func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.ch != ch {
			// Late cancel of a timer that already elapsed.
			return
		}

		t.clear()
	}

	t.activeName = name
	t.activeN = n
	t.activeD = d

	sn := startNotification{Name: name, N: n}
	if nch, ok := t.notifications[sn]; ok {
		close(nch)
		delete(t.notifications, sn)
	}

	return ch, t.cancel
}

func (t *MockTimer) clear() {
	t.ch = nil
	t.cancel = nil

	t.activeName = ""
	t.activeN = 0
	t.activeD = 0
}

// ActiveTimer returns the name, block number, and duration of the active timer.
// The name is empty if no timer is active.
func (t *MockTimer) ActiveTimer() (name string, n uint32, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.activeName, t.activeN, t.activeD
}

func (t *MockTimer) ElapseProductionTimer(n uint32) error {
	return t.elapse(productionTimerName, n)
}

func (t *MockTimer) ElapseFallbackTimer(n uint32) error {
	return t.elapse(fallbackTimerName, n)
}

func (t *MockTimer) elapse(name string, n uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName != name {
		if t.activeName == "" {
			return fmt.Errorf("requested to elapse timer %q, but no timer active", name)
		}
		return fmt.Errorf("requested to elapse timer %q when %q active", name, t.activeName)
	}

	if t.activeN != n {
		return fmt.Errorf(
			"requested to elapse timer %q at block %d, but it is active for block %d",
			name, n, t.activeN,
		)
	}

	close(t.ch)
	t.clear()

	return nil
}

// ProductionStartNotification returns a channel that is closed
// when a production timer for block n is started.
func (t *MockTimer) ProductionStartNotification(n uint32) <-chan struct{} {
	return t.startNotification(productionTimerName, n)
}

// FallbackStartNotification returns a channel that is closed
// when a fallback timer for block n is started.
func (t *MockTimer) FallbackStartNotification(n uint32) <-chan struct{} {
	return t.startNotification(fallbackTimerName, n)
}

func (t *MockTimer) startNotification(name string, n uint32) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.notifications == nil {
		t.notifications = make(map[startNotification]chan struct{})
	}

	key := startNotification{Name: name, N: n}
	if _, ok := t.notifications[key]; ok {
		panic(fmt.Errorf("notification already created for %q at block %d", name, n))
	}

	// The timer may already be running.
	ch := make(chan struct{})
	if t.activeName == name && t.activeN == n {
		close(ch)
		return ch
	}

	t.notifications[key] = ch
	return ch
}

func (t *MockTimer) RequireNoActiveTimer(tt *testing.T) {
	tt.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName != "" {
		tt.Fatalf("expected no active timer, but got %s at block %d", t.activeName, t.activeN)
	}
}

// RequireActiveProductionTimer fails tt unless a production timer
// for block n with duration d is active.
func (t *MockTimer) RequireActiveProductionTimer(tt *testing.T, n uint32, d time.Duration) {
	tt.Helper()

	t.requireActiveTimer(tt, productionTimerName, n, d)
}

// RequireActiveFallbackTimer fails tt unless a fallback timer
// for block n with duration d is active.
func (t *MockTimer) RequireActiveFallbackTimer(tt *testing.T, n uint32, d time.Duration) {
	tt.Helper()

	t.requireActiveTimer(tt, fallbackTimerName, n, d)
}

func (t *MockTimer) requireActiveTimer(tt *testing.T, name string, n uint32, d time.Duration) {
	tt.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeName == "" {
		tt.Fatalf("expected active %s, but no timer was active", name)
	}
	if t.activeName != name || t.activeN != n || t.activeD != d {
		tt.Fatalf(
			"expected active %s at block %d for %s, but got %s at block %d for %s",
			name, n, d, t.activeName, t.activeN, t.activeD,
		)
	}
}
