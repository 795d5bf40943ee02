// Package mblibp2p is a libp2p gossipsub implementation of [mbp2p.Connection].
package mblibp2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Host is a libp2p host and a gossipsub router.
type Host struct {
	h p2phost.Host

	ps *pubsub.PubSub
}

// HostOptions holds libp2p configuration for the host and pubsub value.
type HostOptions struct {
	// Passed to libp2p.New.
	Options []libp2p.Option

	// Passed to pubsub.NewGossipSub.
	PubSubOptions []pubsub.Option
}

func NewHost(ctx context.Context, opts HostOptions) (*Host, error) {
	h, err := libp2p.New(opts.Options...)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h, opts.PubSubOptions...)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Host{
		h:  h,
		ps: ps,
	}, nil
}

// Libp2pHost returns the underlying libp2p host value.
func (h *Host) Libp2pHost() p2phost.Host {
	return h.h
}

// PubSub returns the underlying libp2p pubsub value.
func (h *Host) PubSub() *pubsub.PubSub {
	return h.ps
}

// AddrInfo is the host's ID and listen addresses,
// which other hosts may pass to ConnectPeer.
func (h *Host) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{
		ID:    h.h.ID(),
		Addrs: h.h.Addrs(),
	}
}

// ConnectPeer dials the peer at the full multiaddr addr,
// which must include a /p2p/ component.
func (h *Host) ConnectPeer(ctx context.Context, addr string) error {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("failed to parse peer address %q: %w", addr, err)
	}

	ai, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("failed to extract peer info from %q: %w", addr, err)
	}

	return h.h.Connect(ctx, *ai)
}

// FullAddrs returns the host's listen addresses with its peer ID appended,
// in the form accepted by ConnectPeer.
func (h *Host) FullAddrs() ([]string, error) {
	ai := h.AddrInfo()
	mas, err := peer.AddrInfoToP2pAddrs(&ai)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(mas))
	for i, ma := range mas {
		out[i] = ma.String()
	}
	return out, nil
}

// Close closes the underlying libp2p host and returns its error.
func (h *Host) Close() error {
	return h.h.Close()
}
