package mblibp2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gordian-engine/gmicro/internal/gchan"
	"github.com/gordian-engine/gmicro/internal/glog"
	"github.com/gordian-engine/gmicro/mb/mbcodec"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
	"github.com/gordian-engine/gmicro/mb/mbp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	topicBlocks = "gmicro/blocks/v1"
	topicSkip   = "gmicro/skip/v1"
)

// Connection is a connection to a libp2p network,
// subscribed to the block and skip contribution topics.
type Connection struct {
	log *slog.Logger

	codec mbcodec.MarshalCodec

	h *Host

	blocksTopic *pubsub.Topic
	blocksSub   *pubsub.Subscription

	skipTopic *pubsub.Topic
	skipSub   *pubsub.Subscription

	incomingBlocks        chan mbconsensus.Block
	incomingContributions chan mbconsensus.SkipContribution

	wg sync.WaitGroup

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

var _ mbp2p.Connection = (*Connection)(nil)

// NewConnection returns a new Connection based on
// a host that has already joined a network.
// The connection's background work stops when ctx is canceled
// or when Disconnect is called.
func NewConnection(ctx context.Context, log *slog.Logger, h *Host, codec mbcodec.MarshalCodec) (*Connection, error) {
	ps := h.PubSub()

	c := &Connection{
		log: log,

		codec: codec,

		h: h,

		incomingBlocks:        make(chan mbconsensus.Block, mbp2p.IncomingBufferSize),
		incomingContributions: make(chan mbconsensus.SkipContribution, mbp2p.IncomingBufferSize),

		disconnected: make(chan struct{}),
	}

	// Undecodable messages are rejected before they propagate,
	// and decoded values ride along in the message's ValidatorData.
	if err := ps.RegisterTopicValidator(topicBlocks, c.validateBlock); err != nil {
		return nil, fmt.Errorf("failed to register block topic validator: %w", err)
	}
	if err := ps.RegisterTopicValidator(topicSkip, c.validateSkipContribution); err != nil {
		return nil, fmt.Errorf("failed to register skip topic validator: %w", err)
	}

	var err error
	if c.blocksTopic, err = ps.Join(topicBlocks); err != nil {
		return nil, fmt.Errorf("failed to join block topic: %w", err)
	}
	if c.blocksSub, err = c.blocksTopic.Subscribe(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to block topic: %w", err)
	}
	if c.skipTopic, err = ps.Join(topicSkip); err != nil {
		return nil, fmt.Errorf("failed to join skip topic: %w", err)
	}
	if c.skipSub, err = c.skipTopic.Subscribe(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to skip topic: %w", err)
	}

	// Subscription setup happens in the background.
	if err := waitForSubscriptions(ctx, ps, topicBlocks, topicSkip); err != nil {
		return nil, err
	}

	selfID := h.Libp2pHost().ID()

	c.wg.Add(2)
	go readSub(ctx, c, c.blocksSub, selfID, func(msg *pubsub.Message) {
		b := msg.ValidatorData.(mbconsensus.Block)
		if !gchan.SendDropOldest(c.incomingBlocks, b) {
			c.log.Debug(
				"Dropped incoming block for slow reader",
				"block_number", b.Number,
				"hash", glog.Hex(b.Hash),
			)
		}
	})
	go readSub(ctx, c, c.skipSub, selfID, func(msg *pubsub.Message) {
		sc := msg.ValidatorData.(mbconsensus.SkipContribution)
		if !gchan.SendDropOldest(c.incomingContributions, sc) {
			c.log.Debug(
				"Dropped incoming skip contribution for slow reader",
				"block_number", sc.Info.BlockNumber,
			)
		}
	})

	return c, nil
}

func (c *Connection) validateBlock(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	var b mbconsensus.Block
	if err := c.codec.UnmarshalBlock(msg.Data, &b); err != nil {
		c.log.Info("Rejecting undecodable block message", "err", err)
		return pubsub.ValidationReject
	}
	msg.ValidatorData = b
	return pubsub.ValidationAccept
}

func (c *Connection) validateSkipContribution(_ context.Context, _ peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
	var sc mbconsensus.SkipContribution
	if err := c.codec.UnmarshalSkipContribution(msg.Data, &sc); err != nil {
		c.log.Info("Rejecting undecodable skip contribution message", "err", err)
		return pubsub.ValidationReject
	}
	msg.ValidatorData = sc
	return pubsub.ValidationAccept
}

// readSub hands every message not sent by selfID to handle,
// until ctx is canceled or the subscription is canceled.
func readSub(
	ctx context.Context,
	c *Connection,
	sub *pubsub.Subscription,
	selfID peer.ID,
	handle func(*pubsub.Message),
) {
	defer c.wg.Done()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Context cancellation and subscription cancellation are both normal shutdown.
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				c.log.Info("Quitting subscription reader due to error", "topic", sub.Topic(), "err", err)
			}
			return
		}

		if msg.ReceivedFrom == selfID {
			continue
		}

		handle(msg)
	}
}

func (c *Connection) PublishBlock(ctx context.Context, b mbconsensus.Block) error {
	data, err := c.codec.MarshalBlock(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block %d: %w", b.Number, err)
	}
	if err := c.blocksTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish block %d: %w", b.Number, err)
	}
	return nil
}

func (c *Connection) IncomingBlocks() <-chan mbconsensus.Block {
	return c.incomingBlocks
}

func (c *Connection) PublishSkipContribution(ctx context.Context, sc mbconsensus.SkipContribution) error {
	data, err := c.codec.MarshalSkipContribution(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal skip contribution: %w", err)
	}
	if err := c.skipTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish skip contribution: %w", err)
	}
	return nil
}

func (c *Connection) IncomingSkipContributions() <-chan mbconsensus.SkipContribution {
	return c.incomingContributions
}

// TopicPeers returns the number of peers subscribed to both topics.
func (c *Connection) TopicPeers() int {
	ps := c.h.PubSub()
	return min(len(ps.ListPeers(topicBlocks)), len(ps.ListPeers(topicSkip)))
}

func (c *Connection) Disconnect() {
	c.disconnectOnce.Do(func() {
		ps := c.h.PubSub()
		_ = ps.UnregisterTopicValidator(topicBlocks)
		_ = ps.UnregisterTopicValidator(topicSkip)

		c.blocksSub.Cancel()
		c.skipSub.Cancel()
		c.wg.Wait()

		if err := c.blocksTopic.Close(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Info("Error closing block topic during disconnect", "err", err)
		}
		if err := c.skipTopic.Close(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Info("Error closing skip topic during disconnect", "err", err)
		}

		if err := c.h.Close(); err != nil {
			c.log.Info("Error closing connection host", "err", err)
		}

		close(c.disconnected)
	})
}

// Disconnected returns a channel that is closed once
// c.Disconnect() has been called and has returned.
func (c *Connection) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Host returns c's underlying Host.
func (c *Connection) Host() *Host {
	return c.h
}

// waitForSubscriptions polls ps until it reports every topic in topics,
// or until three seconds pass.
//
// There is no synchronous callback to discover when a subscription is ready.
func waitForSubscriptions(ctx context.Context, ps *pubsub.PubSub, topics ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var have []string
	for {
		have = ps.GetTopics()
		if !slices.ContainsFunc(topics, func(t string) bool { return !slices.Contains(have, t) }) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf(
				"not all subscriptions ready: have: %s; want: %s: %w",
				strings.Join(have, ", "),
				strings.Join(topics, ", "),
				context.Cause(ctx),
			)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
