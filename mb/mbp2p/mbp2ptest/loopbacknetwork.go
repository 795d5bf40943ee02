// Package mbp2ptest contains an in-process network
// and compliance tests for mbp2p implementations.
package mbp2ptest

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/gmicro/internal/gchan"
	"github.com/gordian-engine/gmicro/internal/glog"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbp2p"
)

// LoopbackNetwork is a network where messages never leave the current process.
type LoopbackNetwork struct {
	log *slog.Logger

	newConnRequests chan newConnRequest
	rmConn          chan *LoopbackConnection

	incomingBlocks        chan loopbackMessage[mbconsensus.Block]
	incomingContributions chan loopbackMessage[mbconsensus.SkipContribution]

	done chan struct{}
}

type newConnRequest struct {
	conn     *LoopbackConnection
	accepted chan struct{}
}

type loopbackMessage[T any] struct {
	sender *LoopbackConnection
	msg    T
}

var (
	loopbackNetworkIdxCounter uint64
	loopbackConnIdxCounter    uint64
)

// NewLoopbackNetwork returns a running LoopbackNetwork.
// Cancel ctx to stop it, and then call Wait.
func NewLoopbackNetwork(ctx context.Context, log *slog.Logger) *LoopbackNetwork {
	n := &LoopbackNetwork{
		log: log.With("net_idx", atomic.AddUint64(&loopbackNetworkIdxCounter, 1)),

		newConnRequests: make(chan newConnRequest, 1),
		rmConn:          make(chan *LoopbackConnection, 1),

		incomingBlocks:        make(chan loopbackMessage[mbconsensus.Block], 1),
		incomingContributions: make(chan loopbackMessage[mbconsensus.SkipContribution], 1),

		done: make(chan struct{}),
	}
	go n.background(ctx)
	return n
}

// Wait blocks until the network is fully stopped.
func (n *LoopbackNetwork) Wait() {
	<-n.done
}

func (n *LoopbackNetwork) background(ctx context.Context) {
	defer close(n.done)

	var conns []*LoopbackConnection

	for {
		select {
		case <-ctx.Done():
			n.log.Debug("Network closing")
			for _, c := range conns {
				c.disconnect()
			}
			return

		case req := <-n.newConnRequests:
			conns = append(conns, req.conn)
			n.log.Debug("Network added connection", "conn_idx", req.conn.idx)
			close(req.accepted)

		case c := <-n.rmConn:
			if idx := slices.Index(conns, c); idx >= 0 {
				conns = slices.Delete(conns, idx, idx+1)
			}

		case m := <-n.incomingBlocks:
			for _, c := range conns {
				if c == m.sender {
					continue
				}
				if !gchan.SendDropOldest(c.incomingBlocks, m.msg) {
					n.log.Debug(
						"Dropped block for slow connection",
						"conn_idx", c.idx,
						"block_number", m.msg.Number,
						"hash", glog.Hex(m.msg.Hash),
					)
				}
			}

		case m := <-n.incomingContributions:
			for _, c := range conns {
				if c == m.sender {
					continue
				}
				if !gchan.SendDropOldest(c.incomingContributions, m.msg) {
					n.log.Debug(
						"Dropped skip contribution for slow connection",
						"conn_idx", c.idx,
						"block_number", m.msg.Info.BlockNumber,
					)
				}
			}
		}
	}
}

// Connect returns a new connection to the network.
func (n *LoopbackNetwork) Connect(ctx context.Context) (*LoopbackConnection, error) {
	idx := atomic.AddUint64(&loopbackConnIdxCounter, 1)

	conn := &LoopbackConnection{
		log: n.log.With("conn_idx", idx),
		net: n,
		idx: idx,

		incomingBlocks:        make(chan mbconsensus.Block, mbp2p.IncomingBufferSize),
		incomingContributions: make(chan mbconsensus.SkipContribution, mbp2p.IncomingBufferSize),

		disconnected: make(chan struct{}),
	}
	req := newConnRequest{
		conn:     conn,
		accepted: make(chan struct{}),
	}

	select {
	case n.newConnRequests <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("context finished while creating connection to network: %w", context.Cause(ctx))
	}

	select {
	case <-req.accepted:
	case <-ctx.Done():
		return nil, fmt.Errorf("context finished while awaiting network connection acknowledgement: %w", context.Cause(ctx))
	}

	return conn, nil
}

// Stabilize is a no-op; loopback connections are usable immediately.
func (n *LoopbackNetwork) Stabilize(context.Context) error {
	return nil
}

// LoopbackConnection is a connection to a LoopbackNetwork.
type LoopbackConnection struct {
	log *slog.Logger

	net *LoopbackNetwork
	idx uint64

	incomingBlocks        chan mbconsensus.Block
	incomingContributions chan mbconsensus.SkipContribution

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

var _ mbp2p.Connection = (*LoopbackConnection)(nil)

func (c *LoopbackConnection) PublishBlock(ctx context.Context, b mbconsensus.Block) error {
	return publish(ctx, c, c.net.incomingBlocks, b.Clone())
}

func (c *LoopbackConnection) IncomingBlocks() <-chan mbconsensus.Block {
	return c.incomingBlocks
}

func (c *LoopbackConnection) PublishSkipContribution(ctx context.Context, sc mbconsensus.SkipContribution) error {
	return publish(ctx, c, c.net.incomingContributions, sc)
}

func (c *LoopbackConnection) IncomingSkipContributions() <-chan mbconsensus.SkipContribution {
	return c.incomingContributions
}

func publish[T any](ctx context.Context, c *LoopbackConnection, ch chan<- loopbackMessage[T], msg T) error {
	select {
	case <-c.disconnected:
		return fmt.Errorf("connection %d is disconnected", c.idx)
	default:
	}

	select {
	case ch <- loopbackMessage[T]{sender: c, msg: msg}:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.net.done:
		return fmt.Errorf("network stopped")
	}
}

// Disconnect removes c from the network.
func (c *LoopbackConnection) Disconnect() {
	select {
	case c.net.rmConn <- c:
	case <-c.net.done:
	}
	c.disconnect()
}

func (c *LoopbackConnection) disconnect() {
	c.disconnectOnce.Do(func() {
		close(c.disconnected)
	})
}

func (c *LoopbackConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}
