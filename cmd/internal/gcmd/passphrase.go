// Package gcmd contains helpers shared by the gmicro commands.
package gcmd

import (
	"crypto/ed25519"

	"github.com/gordian-engine/gmicro/gcrypto"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/blake2b"
)

// Domain prefixes keep validator and network keys derived
// from the same passphrase unrelated.
const (
	validatorKeyDomain = "gmicro:validator|"
	networkKeyDomain   = "gmicro:network|"
)

// SignerFromInsecurePassphrase deterministically derives an ed25519 signer.
// The passphrase is the only secret, so it is only suitable for devnets.
func SignerFromInsecurePassphrase(insecurePassphrase string) (gcrypto.Ed25519Signer, error) {
	seed, err := deriveSeed(validatorKeyDomain, insecurePassphrase)
	if err != nil {
		return gcrypto.Ed25519Signer{}, err
	}

	return gcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed)), nil
}

// Libp2pKeyFromInsecurePassphrase deterministically derives a libp2p identity key.
func Libp2pKeyFromInsecurePassphrase(insecurePassphrase string) (libp2pcrypto.PrivKey, error) {
	seed, err := deriveSeed(networkKeyDomain, insecurePassphrase)
	if err != nil {
		return nil, err
	}

	privKey := ed25519.NewKeyFromSeed(seed)
	priv, _, err := libp2pcrypto.KeyPairFromStdKey(&privKey)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

func deriveSeed(domain, passphrase string) ([]byte, error) {
	bh, err := blake2b.New(ed25519.SeedSize, nil)
	if err != nil {
		return nil, err
	}
	_, _ = bh.Write([]byte(domain))
	_, _ = bh.Write([]byte(passphrase))
	return bh.Sum(nil), nil
}
