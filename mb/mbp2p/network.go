// Package mbp2p declares the peer-to-peer surface used by validators:
// gossip of committed blocks and of skip block contributions.
package mbp2p

import (
	"context"

	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// Connection is a validator's handle to the p2p network.
//
// Incoming channels are buffered by the implementation.
// When a reader falls behind, the implementation may drop messages
// rather than block the network,
// so readers must tolerate gaps.
type Connection interface {
	// PublishBlock sends b to every other peer.
	PublishBlock(ctx context.Context, b mbconsensus.Block) error

	// IncomingBlocks delivers blocks published by other peers.
	IncomingBlocks() <-chan mbconsensus.Block

	SkipNetwork

	// Disconnect the connection, rendering it unusable.
	Disconnect()

	// Disconnected returns a channel that is closed after Disconnect completes.
	Disconnected() <-chan struct{}
}

// SkipNetwork is the subset of a [Connection]
// needed to aggregate skip block attestations.
type SkipNetwork interface {
	// PublishSkipContribution sends c to every other peer.
	PublishSkipContribution(ctx context.Context, c mbconsensus.SkipContribution) error

	// IncomingSkipContributions delivers contributions published by other peers,
	// for any skip block round.
	IncomingSkipContributions() <-chan mbconsensus.SkipContribution
}

// IncomingBufferSize is the suggested capacity of a Connection's incoming channels.
const IncomingBufferSize = 64
