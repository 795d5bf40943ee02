package mbconsensus

import (
	"encoding/hex"
	"fmt"
)

// SeedSize is the length in bytes of a [Seed] and of an [Entropy].
const SeedSize = 32

// Seed is the per-block random value carried in every block.
// The seed of the head block determines proposer selection
// for the following block number.
type Seed [SeedSize]byte

// Entropy is the value derived from a [Seed]
// that is fed into proposer selection and skip block attestations.
type Entropy [SeedSize]byte

var entropyDomain = []byte("gmicro/entropy")

// Entropy returns the entropy derived from s.
func (s Seed) Entropy() Entropy {
	h := newHasher()
	_, _ = h.Write(entropyDomain)
	_, _ = h.Write(s[:])

	var e Entropy
	copy(e[:], h.Sum(nil))
	return e
}

// Derive returns the seed of the next block,
// mixing s with material identifying how the next block was produced.
func (s Seed) Derive(material []byte) Seed {
	h := newHasher()
	_, _ = h.Write(s[:])
	_, _ = h.Write(material)

	var out Seed
	copy(out[:], h.Sum(nil))
	return out
}

func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

func (s Seed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Seed) UnmarshalText(b []byte) error {
	return decodeFixedHex("seed", b, s[:])
}

func (e Entropy) String() string {
	return hex.EncodeToString(e[:])
}

func (e Entropy) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Entropy) UnmarshalText(b []byte) error {
	return decodeFixedHex("entropy", b, e[:])
}

func decodeFixedHex(what string, src, dst []byte) error {
	if hex.DecodedLen(len(src)) != len(dst) {
		return fmt.Errorf("%s must be %d hex-encoded bytes; got %d characters", what, len(dst), len(src))
	}
	if _, err := hex.Decode(dst, src); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}

var skipSeedMaterial = []byte("gmicro/skip")

// NextMicroSeed returns the seed of a micro block
// produced on top of s by the validator with the given public key bytes.
func (s Seed) NextMicroSeed(proposerPubKey []byte) Seed {
	return s.Derive(proposerPubKey)
}

// NextSkipSeed returns the seed of a skip block on top of s.
// Every validator derives the same value without signing anything.
func (s Seed) NextSkipSeed() Seed {
	return s.Derive(skipSeedMaterial)
}
