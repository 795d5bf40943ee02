package gcryptotest

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/gordian-engine/gmicro/gcrypto"
)

var (
	edMu    sync.Mutex
	edCache []ed25519.PrivateKey
)

// DeterministicEd25519Signers returns n ed25519 signers
// whose keys depend only on their index.
//
// Repeated runs of a test therefore log the same keys,
// and keys are cached across calls within a test binary.
// Each returned signer owns an independent copy of its key bytes.
func DeterministicEd25519Signers(n int) []gcrypto.Ed25519Signer {
	edMu.Lock()
	for i := len(edCache); i < n; i++ {
		// Seed must be exactly 32 bytes.
		seed := fmt.Sprintf("%032d", i)
		edCache = append(edCache, ed25519.NewKeyFromSeed([]byte(seed)))
	}
	privs := edCache[:n]
	edMu.Unlock()

	out := make([]gcrypto.Ed25519Signer, n)
	for i, priv := range privs {
		out[i] = gcrypto.NewEd25519Signer(bytes.Clone(priv))
	}
	return out
}
