package gtest

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// TimeFactor multiplies every test timeout produced by [ScaleMs].
// It is read from GMICRO_TEST_TIME_FACTOR at init,
// so a contended CI machine can run e.g. GMICRO_TEST_TIME_FACTOR=3
// without any test changing.
var TimeFactor ScaledDuration = 1

func init() {
	f := os.Getenv("GMICRO_TEST_TIME_FACTOR")
	if f == "" {
		return
	}

	n, err := strconv.Atoi(f)
	if err != nil {
		panic(fmt.Errorf(
			"failed to parse GMICRO_TEST_TIME_FACTOR (%q) into an integer: %w",
			f, err,
		))
	}

	if n <= 0 {
		panic(fmt.Errorf("GMICRO_TEST_TIME_FACTOR must be positive; got %d", n))
	}

	TimeFactor = ScaledDuration(n)
}

// ScaledDuration is a duration already multiplied by [TimeFactor].
// Test helpers accept it instead of time.Duration
// so that literal, unscaled timeouts do not creep into tests.
type ScaledDuration time.Duration

// ScaleMs returns ms milliseconds multiplied by [TimeFactor].
func ScaleMs(ms int64) ScaledDuration {
	return TimeFactor * ScaledDuration(ms) * ScaledDuration(time.Millisecond)
}

