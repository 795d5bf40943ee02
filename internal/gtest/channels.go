package gtest

import (
	"time"
)

// TestingFatalHelper is the subset of [testing.TB] the channel helpers need.
// Accepting the interface lets the helpers be tested against a fake.
type TestingFatalHelper interface {
	Helper()

	Fatalf(format string, args ...any)
}

// ReceiveSoon returns the next value from ch,
// failing the test if none arrives within a short scaled timeout.
func ReceiveSoon[T any](tb TestingFatalHelper, ch <-chan T) T {
	tb.Helper()
	return ReceiveOrTimeout(tb, ch, ScaleMs(100))
}

// ReceiveOrTimeout is like [ReceiveSoon] with a caller-chosen timeout.
// Reserve it for receives that legitimately wait on block production.
func ReceiveOrTimeout[T any](tb TestingFatalHelper, ch <-chan T, timeout ScaledDuration) T {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("cannot receive from nil channel %T", ch)
		panic("unreachable")
	}

	timer := time.NewTimer(time.Duration(timeout))
	defer timer.Stop()

	select {
	case x := <-ch:
		return x
	case <-timer.C:
		tb.Fatalf(
			"no value received on %T within %s (GMICRO_TEST_TIME_FACTOR=%d)",
			ch, time.Duration(timeout), TimeFactor,
		)
		// Fakes do not stop the goroutine the way t.Fatalf does.
		panic("unreachable")
	}
}

// NotSending fails the test if a value is immediately available on ch.
func NotSending[T any](tb TestingFatalHelper, ch <-chan T) {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("cannot check nil channel %T", ch)
		panic("unreachable")
	}

	select {
	case x := <-ch:
		tb.Fatalf("unexpected value on %T: %v", ch, x)
	default:
	}
}

// NotSendingSoon fails the test if a value arrives on ch within a short scaled window.
// It always blocks for that window, so prefer [NotSending]
// whenever another synchronization point exists.
func NotSendingSoon[T any](tb TestingFatalHelper, ch <-chan T) {
	tb.Helper()

	if ch == nil {
		tb.Fatalf("cannot check nil channel %T", ch)
		panic("unreachable")
	}

	timer := time.NewTimer(time.Duration(ScaleMs(75)))
	defer timer.Stop()

	select {
	case x := <-ch:
		tb.Fatalf("unexpected value on %T: %v", ch, x)
		panic("unreachable")
	case <-timer.C:
	}
}
