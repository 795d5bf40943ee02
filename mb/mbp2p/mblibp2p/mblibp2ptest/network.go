// Package mblibp2ptest runs an in-process libp2p network for tests.
package mblibp2ptest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/gmicro/mb/mbcodec"
	"github.com/gordian-engine/gmicro/mb/mbp2p/mblibp2p"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
)

// Network is a set of libp2p connections on localhost,
// all dialed to a shared seed host and to each other.
type Network struct {
	log *slog.Logger

	codec mbcodec.MarshalCodec

	seed *mblibp2p.Host

	connWatchWg sync.WaitGroup

	mu    sync.Mutex
	peers []*mblibp2p.Connection
}

func NewNetwork(ctx context.Context, log *slog.Logger, codec mbcodec.MarshalCodec) (*Network, error) {
	seed, err := mblibp2p.NewHost(ctx, NewHostOptions())
	if err != nil {
		return nil, err
	}

	n := &Network{
		log: log,

		codec: codec,

		seed: seed,
	}

	n.connWatchWg.Add(1)
	go n.disconnectAllOnContextClose(ctx)

	return n, nil
}

// NewHostOptions returns localhost-only TCP options
// with a gossipsub heartbeat short enough for tests.
func NewHostOptions() mblibp2p.HostOptions {
	gossipSubParams := pubsub.DefaultGossipSubParams()

	// Arbitrary small coprime values.
	// The defaults leave the mesh unformed for too long under the race detector.
	gossipSubParams.HeartbeatInitialDelay = 8 * time.Millisecond
	gossipSubParams.HeartbeatInterval = 45 * time.Millisecond
	gossipSubParams.DirectConnectInitialDelay = 11 * time.Millisecond

	return mblibp2p.HostOptions{
		Options: []libp2p.Option{
			libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
			libp2p.Transport(tcp.NewTCPTransport),

			// Allow localhost connections for test.
			libp2p.ForceReachabilityPublic(),
		},

		PubSubOptions: []pubsub.Option{
			pubsub.WithGossipSubParams(gossipSubParams),
		},
	}
}

func (n *Network) disconnectAllOnContextClose(ctx context.Context) {
	defer n.connWatchWg.Done()

	<-ctx.Done()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.peers {
		c.Disconnect()
	}

	if err := n.seed.Close(); err != nil {
		n.log.Info("Error closing network's seed host", "err", err)
	}
}

// Connect returns a new connection
// dialed to the seed and to every live connection.
func (n *Network) Connect(ctx context.Context) (*mblibp2p.Connection, error) {
	h, err := mblibp2p.NewHost(ctx, NewHostOptions())
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := h.Libp2pHost().Connect(ctx, n.seed.AddrInfo()); err != nil {
		_ = h.Close()
		return nil, err
	}
	for _, p := range n.live() {
		if err := h.Libp2pHost().Connect(ctx, p.Host().AddrInfo()); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	connLog := n.log.With("conn_id", h.Libp2pHost().ID().ShortString())
	conn, err := mblibp2p.NewConnection(ctx, connLog, h, n.codec)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n.connWatchWg.Add(1)
	go n.watchConnDisconnect(conn.Disconnected())

	n.peers = append(n.peers, conn)
	return conn, nil
}

// live returns the connections that have not disconnected.
// It must be called with n.mu held.
func (n *Network) live() []*mblibp2p.Connection {
	out := make([]*mblibp2p.Connection, 0, len(n.peers))
	for _, p := range n.peers {
		select {
		case <-p.Disconnected():
		default:
			out = append(out, p)
		}
	}
	return out
}

func (n *Network) watchConnDisconnect(ch <-chan struct{}) {
	defer n.connWatchWg.Done()

	<-ch
}

// Wait blocks until the network's context has been canceled
// and all peers have shut down.
func (n *Network) Wait() {
	n.connWatchWg.Wait()
}

// Stabilize blocks until every live connection
// sees every other live connection on both gossip topics.
func (n *Network) Stabilize(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	live := n.live()
	want := len(live) - 1

	for ctx.Err() == nil {
		ready := true
		for _, p := range live {
			if p.TopicPeers() < want {
				ready = false
				break
			}
		}

		if !ready {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		// Topic membership is known before the gossip mesh is grafted.
		// A few heartbeats cover the grafting.
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	return context.Cause(ctx)
}
