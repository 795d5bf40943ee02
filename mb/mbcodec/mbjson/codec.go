// Package mbjson is an [mbcodec.MarshalCodec] producing snappy-compressed JSON.
package mbjson

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/gordian-engine/gmicro/gcrypto"
	"github.com/gordian-engine/gmicro/mb/mbcodec"
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// MarshalCodec encodes values as JSON and compresses the result with snappy.
// Empty slices are omitted, so they decode as nil.
type MarshalCodec struct{}

var _ mbcodec.MarshalCodec = MarshalCodec{}

type jsonBlock struct {
	Type      mbconsensus.BlockType
	Number    uint32
	Timestamp uint64

	ParentHash []byte `json:",omitempty"`
	Hash       []byte

	Seed mbconsensus.Seed

	ProposerSlot uint16 `json:",omitempty"`

	ExtraData []byte `json:",omitempty"`

	Transactions       []mbconsensus.Transaction       `json:",omitempty"`
	EquivocationProofs []mbconsensus.EquivocationProof `json:",omitempty"`

	SkipProof *gcrypto.SparseSignatureProof `json:",omitempty"`

	Signature []byte `json:",omitempty"`
}

func (MarshalCodec) MarshalBlock(b mbconsensus.Block) ([]byte, error) {
	jb := jsonBlock{
		Type:               b.Type,
		Number:             b.Number,
		Timestamp:          b.Timestamp,
		ParentHash:         b.ParentHash,
		Hash:               b.Hash,
		Seed:               b.Seed,
		ProposerSlot:       b.ProposerSlot,
		ExtraData:          b.ExtraData,
		Transactions:       b.Transactions,
		EquivocationProofs: b.EquivocationProofs,
		Signature:          b.Signature,
	}
	if b.SkipProof != nil {
		jb.SkipProof = &b.SkipProof.Signatures
	}

	return marshal(jb)
}

func (MarshalCodec) UnmarshalBlock(data []byte, b *mbconsensus.Block) error {
	var jb jsonBlock
	if err := unmarshal(data, &jb); err != nil {
		return err
	}

	*b = mbconsensus.Block{
		Type:               jb.Type,
		Number:             jb.Number,
		Timestamp:          jb.Timestamp,
		ParentHash:         jb.ParentHash,
		Hash:               jb.Hash,
		Seed:               jb.Seed,
		ProposerSlot:       jb.ProposerSlot,
		ExtraData:          jb.ExtraData,
		Transactions:       jb.Transactions,
		EquivocationProofs: jb.EquivocationProofs,
		Signature:          jb.Signature,
	}
	if jb.SkipProof != nil {
		b.SkipProof = &mbconsensus.SkipBlockProof{Signatures: *jb.SkipProof}
	}
	return nil
}

func (MarshalCodec) MarshalSkipContribution(c mbconsensus.SkipContribution) ([]byte, error) {
	return marshal(c)
}

func (MarshalCodec) UnmarshalSkipContribution(data []byte, c *mbconsensus.SkipContribution) error {
	return unmarshal(data, c)
}

func marshal(v any) ([]byte, error) {
	j, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, j), nil
}

func unmarshal(data []byte, v any) error {
	j, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return json.Unmarshal(j, v)
}
