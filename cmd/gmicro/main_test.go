package main_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	main "github.com/gordian-engine/gmicro/cmd/gmicro"
	"github.com/gordian-engine/gmicro/cmd/internal/gcmd"
	"github.com/gordian-engine/gmicro/internal/gtest"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := main.NewRootCmd(gtest.NewLogger(t), new(slog.LevelVar))
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestPubKeyCmd(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t, context.Background(), "pubkey", "0")
	require.NoError(t, err)

	s, err := gcmd.SignerFromInsecurePassphrase("0")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%x\n", s.PubKey().PubKeyBytes()), out)
}

func TestLibp2pIDCmd(t *testing.T) {
	t.Parallel()

	a, err := runCmd(t, context.Background(), "libp2p-id", "0")
	require.NoError(t, err)
	b, err := runCmd(t, context.Background(), "libp2p-id", "0")
	require.NoError(t, err)

	require.NotEmpty(t, strings.TrimSpace(a))
	require.Equal(t, a, b)
}

func TestRootCmd_invalidLogLevel(t *testing.T) {
	t.Parallel()

	_, err := runCmd(t, context.Background(), "--log-level", "loud", "pubkey", "0")
	require.ErrorContains(t, err, "invalid --log-level")
}

func TestDevnetCmd_invalidFlags(t *testing.T) {
	t.Parallel()

	_, err := runCmd(t, context.Background(), "devnet", "--validators", "2", "--offline", "2")
	require.ErrorContains(t, err, "--offline must leave at least one validator running")

	_, err = runCmd(t, context.Background(), "devnet", "--transport", "carrier-pigeon")
	require.ErrorContains(t, err, `unknown --transport "carrier-pigeon"`)

	_, err = runCmd(
		t, context.Background(), "devnet",
		"--block-separation", "1s", "--producer-timeout", "500ms",
	)
	require.ErrorContains(t, err, "--producer-timeout must not be less than --block-separation")
}

func devnetArgs(extra ...string) []string {
	args := []string{
		"devnet",
		"--validators", "4",
		"--offline", "1",
		"--proposer", "round-robin",
		"--block-separation", time.Duration(gtest.ScaleMs(50)).String(),
		"--producer-timeout", time.Duration(gtest.ScaleMs(250)).String(),
		"--tx-interval", time.Duration(gtest.ScaleMs(40)).String(),
		"--duration", time.Duration(gtest.ScaleMs(2000)).String(),
	}
	return append(args, extra...)
}

func requireSummary(t *testing.T, out string, nLines int) {
	t.Helper()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, nLines)

	for i, line := range lines {
		var val, head, skips, txs int
		var hash string
		_, err := fmt.Sscanf(
			line, "validator=%d head=%d skip_blocks=%d transactions=%d head_hash=%s",
			&val, &head, &skips, &txs, &hash,
		)
		require.NoError(t, err, "unexpected summary line %q", line)
		require.Equal(t, i, val)

		// Slot band 3 is offline, so block 3 is a skip block.
		require.GreaterOrEqual(t, head, 4)
		require.GreaterOrEqual(t, skips, 1)
	}
}

func TestDevnetCmd_loopback(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t, context.Background(), devnetArgs()...)
	require.NoError(t, err)
	requireSummary(t, out, 3)
}

func TestDevnetCmd_sqlite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out, err := runCmd(t, context.Background(), devnetArgs("--db-dir", dir)...)
	require.NoError(t, err)
	requireSummary(t, out, 3)

	for i := range 3 {
		fi, err := os.Stat(filepath.Join(dir, fmt.Sprintf("validator-%d.sqlite", i)))
		require.NoError(t, err)
		require.NotZero(t, fi.Size())
	}
}

func TestDevnetCmd_libp2p(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t, context.Background(), devnetArgs("--transport", "libp2p")...)
	require.NoError(t, err)
	requireSummary(t, out, 3)
}
