package mbp2ptest_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/gordian-engine/gmicro/mb/mbp2p/mbp2ptest"
)

func TestLoopbackNetwork_Compliance(t *testing.T) {
	t.Parallel()

	mbp2ptest.TestNetworkCompliance(t, func(ctx context.Context, log *slog.Logger) (mbp2ptest.Network, error) {
		n := mbp2ptest.NewLoopbackNetwork(ctx, log)
		return &mbp2ptest.GenericNetwork[*mbp2ptest.LoopbackConnection]{Network: n}, nil
	})
}
