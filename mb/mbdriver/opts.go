package mbdriver

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/gwatchdog"
	"github.com/gordian-engine/gmicro/mb/mbp2p"
	"github.com/gordian-engine/gmicro/mb/mbproduce"
)

// Opt is an option for the Driver.
type Opt func(*Driver) error

// WithChain sets the chain the driver produces onto and follows.
// This option is required.
func WithChain(c Chain) Opt {
	return func(d *Driver) error {
		d.chain = c
		return nil
	}
}

// WithConnection sets the network connection
// used to publish committed blocks and to receive other validators' blocks.
// This option is required.
func WithConnection(conn mbp2p.Connection) Opt {
	return func(d *Driver) error {
		d.conn = conn
		return nil
	}
}

// WithMempool sets the source of transactions and equivocation proofs.
// This option is required.
func WithMempool(p Mempool) Opt {
	return func(d *Driver) error {
		d.pool = p
		return nil
	}
}

// WithSigner sets the local validator's signer.
// Without a signer, the driver only follows the chain.
func WithSigner(s gcrypto.Signer) Opt {
	return func(d *Driver) error {
		d.signer = s
		return nil
	}
}

// WithFallbackQuorum sets the skip block attestation round runner.
// This option is required if a signer is set.
func WithFallbackQuorum(fq mbproduce.FallbackQuorum) Opt {
	return func(d *Driver) error {
		d.fallback = fq
		return nil
	}
}

// WithTiming sets the block separation time and the producer timeout.
// This option is required.
func WithTiming(blockSeparation, producerTimeout time.Duration) Opt {
	return func(d *Driver) error {
		if blockSeparation <= 0 {
			return errors.New("block separation time must be positive")
		}
		if producerTimeout < blockSeparation {
			return errors.New("producer timeout must not be less than block separation time")
		}
		d.sep = blockSeparation
		d.timeout = producerTimeout
		return nil
	}
}

// WithTrustedPush sets whether locally produced blocks
// skip signature and skip proof verification when committed.
func WithTrustedPush(trusted bool) Opt {
	return func(d *Driver) error {
		d.trustedPush = trusted
		return nil
	}
}

// WithClock sets the clock used for scheduling.
// The default is the wall clock.
func WithClock(clk clock.Clock) Opt {
	return func(d *Driver) error {
		d.clock = clk
		return nil
	}
}

// WithTimer sets the production and fallback timer.
// The default is a [mbproduce.StandardTimer] on the driver's clock.
func WithTimer(t mbproduce.Timer) Opt {
	return func(d *Driver) error {
		d.timer = t
		return nil
	}
}

// WithAssembler overrides the block assembler.
// The default is an [mbassemble.Assembler] for the driver's signer.
func WithAssembler(a mbproduce.BlockAssembler) Opt {
	return func(d *Driver) error {
		d.assembler = a
		return nil
	}
}

// WithWatchdog sets a watchdog that monitors the driver's receive loop.
func WithWatchdog(wd *gwatchdog.Watchdog) Opt {
	return func(d *Driver) error {
		d.watchdog = wd
		return nil
	}
}
