// Package mbcodec defines how blocks and skip block contributions
// are turned into bytes for storage and gossip.
package mbcodec

import (
	"github.com/gordian-engine/gmicro/mb/mbconsensus"
)

// Marshaler serializes mbconsensus values to byte slices.
type Marshaler interface {
	MarshalBlock(mbconsensus.Block) ([]byte, error)
	MarshalSkipContribution(mbconsensus.SkipContribution) ([]byte, error)
}

// Unmarshaler deserializes byte slices into mbconsensus values.
type Unmarshaler interface {
	UnmarshalBlock([]byte, *mbconsensus.Block) error
	UnmarshalSkipContribution([]byte, *mbconsensus.SkipContribution) error
}

// MarshalCodec marshals and unmarshals mbconsensus values.
type MarshalCodec interface {
	Marshaler
	Unmarshaler
}
