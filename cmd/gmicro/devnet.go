package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gordian-engine/gmicro/cmd/internal/gcmd"
	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/gwatchdog"
	"github.com/gordian-engine/gmicro/mb/mbchain"
	"github.com/gordian-engine/gmicro/mb/mbcodec/mbjson"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbdriver"
	"github.com/gordian-engine/gmicro/mb/mbhttp"
	"github.com/gordian-engine/gmicro/mb/mbmempool"
	"github.com/gordian-engine/gmicro/mb/mbp2p"
	"github.com/gordian-engine/gmicro/mb/mbp2p/mblibp2p/mblibp2ptest"
	"github.com/gordian-engine/gmicro/mb/mbp2p/mbp2ptest"
	"github.com/gordian-engine/gmicro/mb/mbskip"
	"github.com/gordian-engine/gmicro/mb/mbstore"
	"github.com/gordian-engine/gmicro/mb/mbstore/mbmemstore"
	"github.com/gordian-engine/gmicro/mbsqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/blake2b"
)

type devnetConfig struct {
	Validators int
	Offline    int

	BlockSeparation time.Duration
	ProducerTimeout time.Duration

	Proposer string

	Transport string

	DBDir    string
	HTTPAddr string

	TxInterval time.Duration

	Duration time.Duration
}

func (c *devnetConfig) bindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.Validators, "validators", 4, "number of validators in the genesis validator set")
	fs.IntVar(&c.Offline, "offline", 0, "number of validators, counted from the last slot band, that never run")

	fs.DurationVar(&c.BlockSeparation, "block-separation", time.Second, "time between scheduled blocks")
	fs.DurationVar(&c.ProducerTimeout, "producer-timeout", 4*time.Second, "how late a producer may be before a skip block round starts")

	fs.StringVar(&c.Proposer, "proposer", "slot-shuffle", "proposer selection (slot-shuffle or round-robin)")

	fs.StringVar(&c.Transport, "transport", "loopback", "network between validators (loopback or libp2p)")

	fs.StringVar(&c.DBDir, "db-dir", "", "if set, persist each validator's blocks to a SQLite file in this directory")
	fs.StringVar(&c.HTTPAddr, "http-addr", "", "if set, serve the first validator's chain over HTTP on this address")

	fs.DurationVar(&c.TxInterval, "tx-interval", 250*time.Millisecond, "how often to submit a demo transaction (0 disables)")

	fs.DurationVar(&c.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
}

func (c devnetConfig) validate() error {
	var err error

	if c.Validators <= 0 {
		err = errors.Join(err, errors.New("--validators must be positive"))
	}
	if c.Offline < 0 || c.Offline >= c.Validators {
		err = errors.Join(err, errors.New("--offline must leave at least one validator running"))
	}
	if c.BlockSeparation <= 0 {
		err = errors.Join(err, errors.New("--block-separation must be positive"))
	}
	if c.ProducerTimeout < c.BlockSeparation {
		err = errors.Join(err, errors.New("--producer-timeout must not be less than --block-separation"))
	}
	if _, selErr := c.selector(); selErr != nil {
		err = errors.Join(err, selErr)
	}
	if c.Transport != "loopback" && c.Transport != "libp2p" {
		err = errors.Join(err, fmt.Errorf("unknown --transport %q", c.Transport))
	}

	return err
}

func (c devnetConfig) selector() (mbconsensus.ProposerSelector, error) {
	switch c.Proposer {
	case "slot-shuffle":
		return mbconsensus.SlotShuffle{}, nil
	case "round-robin":
		return mbconsensus.RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown --proposer %q", c.Proposer)
	}
}

func NewDevnetCmd(log *slog.Logger) *cobra.Command {
	var cfg devnetConfig

	cmd := &cobra.Command{
		Use: "devnet",

		Short: "Run an in-process network of validators producing micro blocks",

		Long: `Run an in-process network of validators producing micro blocks.

Validator keys are derived from the passphrases "0", "1", and so on;
see the pubkey subcommand.
Offline validators are in the validator set but never run,
so their scheduled blocks are replaced by skip blocks.
Skip blocks need a quorum of more than two thirds of the slots online.

When the network stops, a summary of each running validator's chain is printed.
`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return runDevnet(cmd.Context(), log, cmd.OutOrStdout(), cfg)
		},
	}

	cfg.bindFlags(cmd.Flags())

	return cmd
}

type devnetNode struct {
	SlotBand uint16

	Chain *mbchain.Blockchain
	Pool  *mbmempool.Pool

	Driver *mbdriver.Driver

	store io.Closer
}

func runDevnet(ctx context.Context, log *slog.Logger, out io.Writer, cfg devnetConfig) error {
	sel, err := cfg.selector()
	if err != nil {
		return err
	}

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wd, ctx := gwatchdog.NewWatchdog(ctx, log.With("sys", "watchdog"), nil)
	defer wd.Wait()
	defer cancel()

	signers := make([]gcrypto.Signer, cfg.Validators)
	vals := make([]mbconsensus.Validator, cfg.Validators)
	for i := range signers {
		s, err := gcmd.SignerFromInsecurePassphrase(strconv.Itoa(i))
		if err != nil {
			return fmt.Errorf("failed to derive signer %d: %w", i, err)
		}
		signers[i] = s
		vals[i] = mbconsensus.Validator{PubKey: s.PubKey(), Slots: 1}
	}
	valSet, err := mbconsensus.NewValidatorSet(vals)
	if err != nil {
		return err
	}

	online := cfg.Validators - cfg.Offline
	if uint32(online) < valSet.QuorumSlots() {
		log.Warn(
			"Too few validators online to reach a skip block quorum; the chain will halt at the first missed block",
			"online", online, "quorum", valSet.QuorumSlots(),
		)
	}

	connect, stabilize, waitNet, err := newDevnetNetwork(ctx, log.With("sys", "network"), cfg.Transport)
	if err != nil {
		return err
	}
	defer waitNet()
	defer cancel()

	conns := make([]mbp2p.Connection, online)
	for i := range conns {
		conns[i], err = connect(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect validator %d: %w", i, err)
		}
	}
	if err := stabilize(ctx); err != nil {
		return fmt.Errorf("failed to stabilize network: %w", err)
	}

	genesis := devnetGenesis(time.Now())

	nodes := make([]*devnetNode, online)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		for _, n := range nodes {
			if n != nil && n.store != nil {
				_ = n.store.Close()
			}
		}
	}()

	for i := range nodes {
		n, err := startDevnetNode(ctx, log.With("val", i), devnetNodeConfig{
			SlotBand:   uint16(i),
			Signer:     signers[i],
			Validators: valSet,
			Selector:   sel,
			Genesis:    genesis,
			Conn:       conns[i],
			Watchdog:   wd,
			Cfg:        cfg,
		})
		if err != nil {
			return fmt.Errorf("failed to start validator %d: %w", i, err)
		}
		nodes[i] = n

		wg.Add(2)
		go func() {
			defer wg.Done()
			n.Driver.Wait()
		}()
		go func() {
			defer wg.Done()
			n.Pool.Wait()
		}()
	}

	if cfg.HTTPAddr != "" {
		ln, err := (new(net.ListenConfig)).Listen(ctx, "tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %q: %w", cfg.HTTPAddr, err)
		}

		reg := new(gcrypto.Registry)
		gcrypto.RegisterEd25519(reg)

		h := mbhttp.NewHTTPServer(ctx, log.With("sys", "http"), mbhttp.HTTPServerConfig{
			Listener:       ln,
			Chain:          nodes[0].Chain,
			CryptoRegistry: reg,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Wait()
		}()

		log.Info("Serving HTTP", "addr", ln.Addr().String())
	}

	if cfg.TxInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			submitDemoTransactions(ctx, log, nodes, cfg.TxInterval)
		}()
	}

	log.Info(
		"Devnet running",
		"validators", cfg.Validators,
		"online", online,
		"transport", cfg.Transport,
	)

	<-ctx.Done()
	if gwatchdog.IsTermination(ctx) {
		return fmt.Errorf("devnet terminated: %w", context.Cause(ctx))
	}

	cancel()
	wg.Wait()

	// The chains are quiescent now.
	return writeSummary(context.Background(), out, nodes)
}

type devnetNodeConfig struct {
	SlotBand   uint16
	Signer     gcrypto.Signer
	Validators mbconsensus.ValidatorSet
	Selector   mbconsensus.ProposerSelector
	Genesis    mbconsensus.Block
	Conn       mbp2p.Connection
	Watchdog   *gwatchdog.Watchdog
	Cfg        devnetConfig
}

func startDevnetNode(ctx context.Context, log *slog.Logger, nc devnetNodeConfig) (*devnetNode, error) {
	n := &devnetNode{SlotBand: nc.SlotBand}

	var store mbstore.BlockStore
	if nc.Cfg.DBDir != "" {
		dbPath := filepath.Join(nc.Cfg.DBDir, fmt.Sprintf("validator-%d.sqlite", nc.SlotBand))
		s, err := mbsqlite.NewOnDiskStore(ctx, dbPath, mbjson.MarshalCodec{})
		if err != nil {
			return nil, fmt.Errorf("failed to open block store: %w", err)
		}
		store = s
		n.store = s
	} else {
		store = mbmemstore.NewBlockStore()
	}

	c, err := mbchain.NewBlockchain(ctx, log.With("sys", "chain"), mbchain.BlockchainConfig{
		Genesis:          nc.Genesis,
		Validators:       nc.Validators,
		ProposerSelector: nc.Selector,
		ProducerTimeout:  nc.Cfg.ProducerTimeout,
		Store:            store,
	})
	if err != nil {
		return nil, err
	}
	n.Chain = c

	n.Pool = mbmempool.New(ctx, log.With("sys", "mempool"), mbmempool.PoolConfig{})

	agg, err := mbskip.NewAggregator(log.With("sys", "skip"), mbskip.AggregatorConfig{
		Network: nc.Conn,
	})
	if err != nil {
		return nil, err
	}

	n.Driver, err = mbdriver.New(
		ctx, log.With("sys", "driver"),
		mbdriver.WithChain(c),
		mbdriver.WithConnection(nc.Conn),
		mbdriver.WithMempool(n.Pool),
		mbdriver.WithSigner(nc.Signer),
		mbdriver.WithFallbackQuorum(agg),
		mbdriver.WithTiming(nc.Cfg.BlockSeparation, nc.Cfg.ProducerTimeout),
		mbdriver.WithTrustedPush(true),
		mbdriver.WithWatchdog(nc.Watchdog),
	)
	if err != nil {
		return nil, err
	}

	return n, nil
}

// devnetGenesis returns a macro block at number zero stamped with now.
func devnetGenesis(now time.Time) mbconsensus.Block {
	g := mbconsensus.Block{
		Type:      mbconsensus.BlockTypeMacro,
		Number:    0,
		Timestamp: uint64(now.UnixMilli()),
		Seed:      mbconsensus.Seed(blake2b.Sum256([]byte("gmicro/devnet/genesis"))),
	}
	g.Hash = g.ComputeHash()
	return g
}

func newDevnetNetwork(ctx context.Context, log *slog.Logger, transport string) (
	connect func(context.Context) (mbp2p.Connection, error),
	stabilize func(context.Context) error,
	wait func(),
	err error,
) {
	switch transport {
	case "loopback":
		n := mbp2ptest.NewLoopbackNetwork(ctx, log)
		return func(ctx context.Context) (mbp2p.Connection, error) {
			return n.Connect(ctx)
		}, n.Stabilize, n.Wait, nil

	case "libp2p":
		n, err := mblibp2ptest.NewNetwork(ctx, log, mbjson.MarshalCodec{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to start libp2p network: %w", err)
		}
		return func(ctx context.Context) (mbp2p.Connection, error) {
			return n.Connect(ctx)
		}, n.Stabilize, n.Wait, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// submitDemoTransactions adds a transaction to one pool per interval,
// rotating through the running validators.
func submitDemoTransactions(ctx context.Context, log *slog.Logger, nodes []*devnetNode, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var nonce uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		n := nodes[nonce%uint64(len(nodes))]

		r := n.Chain.Read()
		next := r.BlockNumber() + 1
		r.Release()

		tx := mbconsensus.Transaction{
			Sender:        "devnet",
			Nonce:         nonce,
			Fee:           1 + nonce%7,
			ValidityStart: next,
			Data:          []byte(fmt.Sprintf("demo transaction %d", nonce)),
		}
		if err := n.Pool.AddTransaction(ctx, tx); err != nil && ctx.Err() == nil {
			log.Debug("Failed to add demo transaction", "nonce", nonce, "err", err)
		}
		nonce++
	}
}

func writeSummary(ctx context.Context, out io.Writer, nodes []*devnetNode) error {
	for _, n := range nodes {
		r := n.Chain.Read()
		head := r.Head()
		r.Release()

		var skips, txs int
		for i := uint32(1); i <= head.Number; i++ {
			b, err := n.Chain.BlockByNumber(ctx, i)
			if err != nil {
				return fmt.Errorf("failed to load block %d of validator %d: %w", i, n.SlotBand, err)
			}
			if b.IsSkip() {
				skips++
			}
			txs += len(b.Transactions)
		}

		if _, err := fmt.Fprintf(
			out,
			"validator=%d head=%d skip_blocks=%d transactions=%d head_hash=%x\n",
			n.SlotBand, head.Number, skips, txs, head.Hash,
		); err != nil {
			return err
		}
	}
	return nil
}
