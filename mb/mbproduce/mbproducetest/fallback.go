package mbproducetest

import (
	"context"

	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// FallbackQuorum is an mbproduce.FallbackQuorum
// whose rounds are answered by the test through [*FallbackQuorum.Starts].
type FallbackQuorum struct {
	starts chan FallbackRequest
}

// FallbackRequest is one call to Start awaiting a response.
type FallbackRequest struct {
	Info       mbconsensus.SkipBlockInfo
	Signer     gcrypto.Signer
	SlotBand   uint16
	Validators mbconsensus.ValidatorSet

	resp chan fallbackResponse
}

type fallbackResponse struct {
	Proof mbconsensus.SkipBlockProof
	Err   error
}

func NewFallbackQuorum() *FallbackQuorum {
	return &FallbackQuorum{
		starts: make(chan FallbackRequest, 1),
	}
}

// Starts delivers each call to Start.
func (q *FallbackQuorum) Starts() <-chan FallbackRequest {
	return q.starts
}

func (q *FallbackQuorum) Start(
	ctx context.Context,
	info mbconsensus.SkipBlockInfo,
	signer gcrypto.Signer,
	slotBand uint16,
	vals mbconsensus.ValidatorSet,
) (mbconsensus.SkipBlockProof, error) {
	req := FallbackRequest{
		Info:       info,
		Signer:     signer,
		SlotBand:   slotBand,
		Validators: vals,

		resp: make(chan fallbackResponse, 1),
	}

	select {
	case q.starts <- req:
	case <-ctx.Done():
		return mbconsensus.SkipBlockProof{}, context.Cause(ctx)
	}

	select {
	case r := <-req.resp:
		return r.Proof, r.Err
	case <-ctx.Done():
		return mbconsensus.SkipBlockProof{}, context.Cause(ctx)
	}
}

// Respond completes the Start call that produced r.
// It must be called at most once.
func (r FallbackRequest) Respond(proof mbconsensus.SkipBlockProof, err error) {
	r.resp <- fallbackResponse{Proof: proof, Err: err}
}
