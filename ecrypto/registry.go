package ecrypto

import (
	"bytes"
	"fmt"
	"reflect"
)

// registryPrefixSize is the fixed width of the type prefix
// prepended to marshaled public keys.
// Type names shorter than this are zero-padded.
const registryPrefixSize = 8

// Registry maps registered public key types to short name prefixes,
// so that heterogeneous keys can round-trip through a flat byte slice.
//
// The zero value is ready to use.
// Registry methods are not safe for concurrent use with Register;
// complete all registrations during setup.
type Registry struct {
	ctors    map[string]func([]byte) (PubKey, error)
	prefixes map[reflect.Type][]byte
}

// Register associates name with the concrete type of exemplar.
// Marshal uses the association to prefix keys of that type,
// and Unmarshal uses ctor to rebuild them.
//
// Register panics if name does not fit the fixed prefix width,
// or if the name or type was already registered.
func (r *Registry) Register(name string, exemplar PubKey, ctor func([]byte) (PubKey, error)) {
	if len(name) == 0 || len(name) > registryPrefixSize {
		panic(fmt.Errorf(
			"BUG: key type name %q must be 1-%d bytes", name, registryPrefixSize,
		))
	}

	if r.ctors == nil {
		r.ctors = make(map[string]func([]byte) (PubKey, error))
		r.prefixes = make(map[reflect.Type][]byte)
	}

	if _, ok := r.ctors[name]; ok {
		panic(fmt.Errorf("BUG: key type name %q registered twice", name))
	}

	typ := reflect.TypeOf(exemplar)
	if _, ok := r.prefixes[typ]; ok {
		panic(fmt.Errorf("BUG: key type %s registered twice", typ))
	}

	prefix := make([]byte, registryPrefixSize)
	copy(prefix, name)

	r.ctors[name] = ctor
	r.prefixes[typ] = prefix
}

// Marshal returns the type prefix followed by the key's serialized bytes.
// It panics if the key's concrete type was never registered,
// as that is a programming error in host setup.
func (r *Registry) Marshal(k PubKey) []byte {
	prefix, ok := r.prefixes[reflect.TypeOf(k)]
	if !ok {
		panic(fmt.Errorf("BUG: attempted to marshal unregistered key type %T", k))
	}

	out := make([]byte, registryPrefixSize, registryPrefixSize+len(k.PubKeyBytes()))
	copy(out, prefix)
	return append(out, k.PubKeyBytes()...)
}

// Unmarshal rebuilds a public key from Marshal output.
func (r *Registry) Unmarshal(b []byte) (PubKey, error) {
	if len(b) < registryPrefixSize {
		return nil, fmt.Errorf("input too short to contain type prefix: %d bytes", len(b))
	}

	name := string(bytes.TrimRight(b[:registryPrefixSize], "\x00"))
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, fmt.Errorf("no registered public key type for prefix %q", name)
	}

	return ctor(b[registryPrefixSize:])
}
