package store

import (
	"errors"
	"strings"
)

// Validator is the namespace-dispatched capability of spec.md §4.3.3:
// stateless byte-level acceptance (Validate) and a deterministic choice
// among competing values for the same key (Select).
type Validator interface {
	// Validate reports whether value is an acceptable value for key.
	Validate(key, value []byte) error
	// Select returns the index of the best value among values. It MUST be
	// a deterministic, pure function of its inputs.
	Select(key []byte, values [][]byte) (int, error)
}

var (
	ErrUnknownNamespace = errors.New("store: unknown namespace")
	ErrNoValidCandidate = errors.New("store: select found no valid candidate")
)

// ValidatorRegistry is an immutable-after-construction map from namespace
// string to Validator, per spec.md §9's "dynamic-dispatch validator
// registry" design note: a plain map, built once at startup, never
// mutated afterward, so lookups need no locking.
type ValidatorRegistry struct {
	byNamespace map[string]Validator
}

// NewValidatorRegistry builds a registry from an initial set of
// (namespace, validator) pairs. Use RegisterBuiltins to add the shipped
// "/pk/" validator.
func NewValidatorRegistry(validators map[string]Validator) *ValidatorRegistry {
	m := make(map[string]Validator, len(validators))
	for k, v := range validators {
		m[k] = v
	}
	return &ValidatorRegistry{byNamespace: m}
}

// Namespace extracts the leading "/namespace/" component of a record key.
func Namespace(key []byte) (string, bool) {
	s := string(key)
	if !strings.HasPrefix(s, "/") {
		return "", false
	}
	rest := s[1:]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return "", false
	}
	return rest[:idx], true
}

// For resolves the validator for key's namespace. Unknown namespaces
// return ErrUnknownNamespace (spec.md §4.3.3: "writes rejected, reads
// opaque").
func (r *ValidatorRegistry) For(key []byte) (Validator, error) {
	ns, ok := Namespace(key)
	if !ok {
		return nil, ErrUnknownNamespace
	}
	v, ok := r.byNamespace[ns]
	if !ok {
		return nil, ErrUnknownNamespace
	}
	return v, nil
}
