package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

	root := NewRootCmd(logger, &level)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Info("Failure", "err", err)
		os.Stderr.Sync()
		return err
	}

	return nil
}

// NewRootCmd returns the gmicro command tree.
// The --log-level flag adjusts level, which should back log's handler.
func NewRootCmd(log *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use: "gmicro SUBCOMMAND",

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},

		Long: `gmicro runs micro block production for proof-of-stake validators.

Every block number has one scheduled producer.
When the producer is late, the remaining validators attest to a skip block instead.

Try an in-process network of four validators where one is offline:
    $ gmicro devnet --validators 4 --offline 1 --duration 10s
`,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		NewPubKeyCmd(log),
		NewLibp2pIDCmd(log),

		NewDevnetCmd(log),
	)

	return rootCmd
}
