package mbproduce

import (
	"log/slog"
	"time"

	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// IsOurTurn reports whether slotBand is the proposer of blockNumber.
// A failed proposer lookup is logged and treated as not our turn.
func IsOurTurn(
	log *slog.Logger,
	view mbchain.View,
	blockNumber uint32,
	slotBand uint16,
	entropy mbconsensus.Entropy,
) bool {
	proposer, err := view.ProposerFor(blockNumber, entropy)
	if err != nil {
		log.Warn("Failed to find next proposer", "block_number", blockNumber, "err", err)
		return false
	}
	return proposer == slotBand
}

// ExpectedTimestamp is the scheduled timestamp, in Unix milliseconds,
// of the block after view's head:
// the macro head's timestamp plus one separation per block since the macro head.
//
// Every validator computes the same value from the same chain.
func ExpectedTimestamp(view mbchain.View, separation time.Duration) uint64 {
	macro := view.MacroHead()

	var idx uint32
	if next := view.BlockNumber() + 1; next > macro.Number {
		idx = next - macro.Number
	}

	return macro.Timestamp + uint64(idx)*uint64(separation.Milliseconds())
}

// FallbackDelay is how long, from now, a validator that is not the proposer
// waits before starting a skip block round.
//
// The round starts no earlier than now+timeout,
// and no earlier than expected+(timeout-separation),
// so that validators entering late still fire at a common scheduled time.
// Timestamps are Unix milliseconds.
func FallbackDelay(now, expected uint64, timeout, separation time.Duration) time.Duration {
	timeoutMs := uint64(timeout.Milliseconds())
	sepMs := uint64(separation.Milliseconds())

	byEntry := now + timeoutMs

	var bySchedule uint64
	if timeoutMs >= sepMs {
		bySchedule = expected + (timeoutMs - sepMs)
	} else if gap := sepMs - timeoutMs; expected > gap {
		bySchedule = expected - gap
	}

	return time.Duration(max(byEntry, bySchedule)-now) * time.Millisecond
}
