package mbconsensus

//go:generate go run golang.org/x/tools/cmd/stringer -type PushResult -trimprefix=Push .

// PushResult is how the chain accepted a pushed block.
type PushResult uint8

const (
	// The block extended the current head.
	PushExtended PushResult = iota + 1

	// The block replaced the current head at the same block number.
	PushRebranched

	// The block was already part of the chain.
	PushKnown
)
