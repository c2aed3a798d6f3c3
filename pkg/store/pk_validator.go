package store

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// PKNamespace is the built-in namespace spec.md §4.3.3 requires: keys of
// the form "/pk/<sha256(value)>" where value is the public key itself.
const PKNamespace = "pk"

// PKValidator enforces that mapping and selects between competing values
// by nothing more than byte equality — a public key namespace never has
// more than one valid value per key, since the key IS the value's hash.
type PKValidator struct{}

// Validate enforces key == "/pk/" + hex(sha256(value)).
func (PKValidator) Validate(key, value []byte) error {
	ns, ok := Namespace(key)
	if !ok || ns != PKNamespace {
		return fmt.Errorf("store: pk validator invoked for non-/pk/ key %q", key)
	}
	want := fmt.Sprintf("/%s/%x", PKNamespace, sha256.Sum256(value))
	if string(key) != want {
		return fmt.Errorf("store: key %q does not match sha256(value)", key)
	}
	return nil
}

// Select picks the first value that is byte-identical to the highest
// (lexicographically greatest) candidate; since a valid /pk/ key pins the
// value uniquely, any two valid values for the same key are identical and
// the choice is immaterial beyond being deterministic.
func (PKValidator) Select(key []byte, values [][]byte) (int, error) {
	if len(values) == 0 {
		return 0, ErrNoValidCandidate
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if bytes.Compare(values[i], values[best]) > 0 {
			best = i
		}
	}
	return best, nil
}

// RegisterBuiltins returns a namespace map seeded with the built-in "pk"
// validator, ready to be merged with any additional validators registered
// at startup and passed to NewValidatorRegistry.
func RegisterBuiltins(extra map[string]Validator) map[string]Validator {
	m := map[string]Validator{PKNamespace: PKValidator{}}
	for k, v := range extra {
		m[k] = v
	}
	return m
}
