package mbp2ptest

import (
	"context"
	"log/slog"
	"testing"

	"github.com/gordian-engine/gmicro/internal/gtest"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbconsensus/mbconsensustest"
	"github.com/gordian-engine/gmicro/mb/mbp2p"
	"github.com/stretchr/testify/require"
)

// Network is a generalized interface for an in-process network for testing.
//
// Some implementations, such as [LoopbackNetwork], are usable as soon as Connect returns.
// Others, such as libp2p gossip, need a seed host and time to build a mesh.
type Network interface {
	// Open a connection.
	Connect(context.Context) (mbp2p.Connection, error)

	// Block until the network has cleaned up.
	// Cancel the network's context to stop it.
	Wait()

	// Stabilize blocks until the current set of connections
	// can reach each other.
	Stabilize(context.Context) error
}

// NetworkConstructor is used within [TestNetworkCompliance] to create a Network.
type NetworkConstructor func(context.Context, *slog.Logger) (Network, error)

// GenericNetwork adapts a network whose Connect method
// returns a concrete connection type to the [Network] interface.
type GenericNetwork[C mbp2p.Connection] struct {
	Network interface {
		Connect(context.Context) (C, error)

		Wait()

		Stabilize(context.Context) error
	}
}

func (n *GenericNetwork[C]) Connect(ctx context.Context) (mbp2p.Connection, error) {
	return n.Network.Connect(ctx)
}

func (n *GenericNetwork[C]) Wait() {
	n.Network.Wait()
}

func (n *GenericNetwork[C]) Stabilize(ctx context.Context) error {
	return n.Network.Stabilize(ctx)
}

// TestNetworkCompliance runs the behavior every mbp2p network must have.
func TestNetworkCompliance(t *testing.T, newNet NetworkConstructor) {
	start := func(t *testing.T, nConns int) (context.Context, []mbp2p.Connection, Network, context.CancelFunc) {
		t.Helper()

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)

		net, err := newNet(ctx, gtest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(net.Wait)
		t.Cleanup(cancel)

		conns := make([]mbp2p.Connection, nConns)
		for i := range conns {
			conns[i], err = net.Connect(ctx)
			require.NoError(t, err)
		}
		require.NoError(t, net.Stabilize(ctx))

		return ctx, conns, net, cancel
	}

	t.Run("connections are closed on main context cancellation", func(t *testing.T) {
		t.Parallel()

		_, conns, net, cancel := start(t, 2)

		for _, c := range conns {
			select {
			case <-c.Disconnected():
				t.Fatal("connection started in a disconnected state")
			default:
			}
		}

		cancel()
		net.Wait()

		for _, c := range conns {
			_ = gtest.ReceiveSoon(t, c.Disconnected())
		}
	})

	t.Run("blocks reach every other connection", func(t *testing.T) {
		t.Parallel()

		ctx, conns, _, _ := start(t, 3)

		fx := mbconsensustest.NewFixture(2)
		b1 := fx.NextMicroBlock(ctx, fx.Genesis(), 1, []mbconsensus.Transaction{
			{Sender: "alice", Fee: 3, ValidityStart: 1, Data: []byte("hello")},
		})

		require.NoError(t, conns[0].PublishBlock(ctx, b1))

		for _, c := range conns[1:] {
			got := gtest.ReceiveSoon(t, c.IncomingBlocks())
			require.True(t, b1.Equal(got))
		}

		// The publisher does not hear its own block.
		gtest.NotSendingSoon(t, conns[0].IncomingBlocks())
	})

	t.Run("skip contributions reach every other connection", func(t *testing.T) {
		t.Parallel()

		ctx, conns, _, _ := start(t, 3)

		fx := mbconsensustest.NewFixture(4)
		g := fx.Genesis()
		info := mbconsensus.SkipBlockInfo{BlockNumber: 1, VRFEntropy: g.Seed.Entropy()}
		proof := fx.SkipProof(ctx, info, 0, 2)

		sc := mbconsensus.SkipContribution{Info: info, Signatures: proof.Signatures}
		require.NoError(t, conns[2].PublishSkipContribution(ctx, sc))

		for _, c := range conns[:2] {
			got := gtest.ReceiveSoon(t, c.IncomingSkipContributions())
			require.Equal(t, sc, got)
		}
	})

	t.Run("disconnected connection stops receiving", func(t *testing.T) {
		t.Parallel()

		ctx, conns, net, _ := start(t, 3)

		conns[2].Disconnect()
		_ = gtest.ReceiveSoon(t, conns[2].Disconnected())
		require.NoError(t, net.Stabilize(ctx))

		fx := mbconsensustest.NewFixture(2)
		b1 := fx.NextMicroBlock(ctx, fx.Genesis(), 0, nil)
		require.NoError(t, conns[0].PublishBlock(ctx, b1))

		got := gtest.ReceiveSoon(t, conns[1].IncomingBlocks())
		require.True(t, b1.Equal(got))

		gtest.NotSendingSoon(t, conns[2].IncomingBlocks())
	})
}
