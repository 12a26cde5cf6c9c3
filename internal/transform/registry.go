package transform

// Constructor builds a Transform from a wire-carried key. A nil/empty key
// means "generate one at random".
type Constructor func(key []byte) (Transform, error)

// registry is populated statically rather than discovered by reflection
// (the original source enumerates fuzz classes via module introspection at
// import time; Go has no equivalent, and an explicit table is the more
// idiomatic and auditable replacement).
var registry = map[string]Constructor{
	"Plain":     func(k []byte) (Transform, error) { return NewPlain(k) },
	"XOR":       func(k []byte) (Transform, error) { return NewXOR(k) },
	"RailFence": func(k []byte) (Transform, error) { return NewRailFence(k) },
	"Base16":    func(k []byte) (Transform, error) { return NewBase16(k) },
	"Base32":    func(k []byte) (Transform, error) { return NewBase32(k) },
	"Base64":    func(k []byte) (Transform, error) { return NewBase64(k) },
	"Base85":    func(k []byte) (Transform, error) { return NewBase85(k) },
	"XXencode":  func(k []byte) (Transform, error) { return NewXXencode(k) },
	"UUencode":  func(k []byte) (Transform, error) { return NewUUencode(k) },
	"AtBash":    func(k []byte) (Transform, error) { return NewAtBash(k) },
}

// registryOrder fixes the order full chains are offered in during
// HANDSHAKE, so behavior is deterministic across runs given equal input.
var registryOrder = []string{
	"Plain", "XOR", "RailFence", "Base16", "Base32", "Base64",
	"Base85", "XXencode", "UUencode", "AtBash",
}

// Lookup constructs a Transform by name with the given key. It returns
// ErrUnknownTransform for any name not in the static registry.
func Lookup(name string, key []byte) (Transform, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, ErrUnknownTransform
	}
	return ctor(key)
}

// All constructs one instance of every registered transform, each with a
// freshly generated key, in a stable order. Used by the client to build the
// "full chain" it offers during HANDSHAKE negotiation.
func All() ([]Transform, error) {
	out := make([]Transform, 0, len(registryOrder))
	for _, name := range registryOrder {
		t, err := Lookup(name, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
