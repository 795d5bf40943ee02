// Package glog holds small helpers for consistent structured log attributes.
package glog

import (
	"encoding/hex"
	"log/slog"
)

// Hex renders a byte slice, typically a hash, as a lowercase hex string
// instead of slog's default quoted-string rendering.
type Hex []byte

func (v Hex) LogValue() slog.Value {
	return slog.StringValue(hex.EncodeToString(v))
}

// BN returns a copy of log annotated with the given block number.
func BN(log *slog.Logger, blockNumber uint32) *slog.Logger {
	return log.With("block_number", blockNumber)
}

// BNE is like [BN] but also attaches e under the "err" key.
func BNE(log *slog.Logger, blockNumber uint32, e error) *slog.Logger {
	return log.With("block_number", blockNumber, "err", e)
}
