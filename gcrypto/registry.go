package gcrypto

import (
	"fmt"
	"reflect"
)

// Registry maps public key type names to constructors,
// so that keys can be encoded alongside their type
// and restored without the decoder knowing the concrete type ahead of time.
type Registry struct {
	byType map[reflect.Type]string
	byName map[string]NewPubKeyFunc
}

type NewPubKeyFunc func([]byte) (PubKey, error)

// Register associates name with the concrete type of inst.
// It panics if name or the type was already registered.
func (r *Registry) Register(name string, inst PubKey, newFn NewPubKeyFunc) {
	if r.byName == nil {
		r.byName = map[string]NewPubKeyFunc{}
		r.byType = map[reflect.Type]string{}
	}

	typ := reflect.TypeOf(inst)
	if _, ok := r.byName[name]; ok {
		panic(fmt.Errorf("BUG: public key type name %q registered twice", name))
	}
	if prev, ok := r.byType[typ]; ok {
		panic(fmt.Errorf("BUG: public key type %s already registered as %q", typ, prev))
	}

	r.byName[name] = newFn
	r.byType[typ] = name
}

// Encode returns the registered type name for pubKey and its raw bytes.
func (r *Registry) Encode(pubKey PubKey) (typeName string, b []byte) {
	typ := reflect.TypeOf(pubKey)
	name, ok := r.byType[typ]
	if !ok {
		panic(fmt.Errorf(
			"BUG: attempted to encode a public key that was never registered (reflect type: %s, type name: %s)",
			typ, pubKey.TypeName(),
		))
	}
	return name, pubKey.PubKeyBytes()
}

// Decode returns a new PubKey from the given type and public key bytes.
// It returns an error if typeName was not registered,
// or if the registered [NewPubKeyFunc] itself returns an error.
//
// The returned key may retain a reference to b.
func (r *Registry) Decode(typeName string, b []byte) (PubKey, error) {
	fn := r.byName[typeName]
	if fn == nil {
		return nil, fmt.Errorf("no registered public key type for name %q", typeName)
	}

	return fn(b)
}
