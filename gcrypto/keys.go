package gcrypto

import "context"

// PubKey is the public half of a validator's signing key.
// Block producers and skip block voters are identified by their PubKey.
type PubKey interface {
	PubKeyBytes() []byte

	Equal(other PubKey) bool

	Verify(msg, sig []byte) bool

	// TypeName is the name the key type was registered under in a [Registry].
	TypeName() string
}

// Signer signs micro blocks and skip votes on behalf of one validator.
type Signer interface {
	PubKey() PubKey

	// Sign returns the signature over input.
	// The context allows for a remote signer.
	Sign(ctx context.Context, input []byte) (signature []byte, err error)
}
