package codec

import (
	"fmt"
	"regexp"
	"sync"
)

var scalarNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ScalarRegistry is the process-wide (but instance-held, per Design
// Note §9) map from custom scalar name to its codec. It is intentionally
// kept as a field on SchemaRegistry rather than a package-level variable,
// so two SchemaRegistry (and so two Codec) instances in the same process
// never share scalar state.
type ScalarRegistry struct {
	mu      sync.RWMutex
	scalars map[string]ScalarCodec
}

// NewScalarRegistry returns a registry pre-seeded with the two built-in
// scalars from spec.md §4.2.
func NewScalarRegistry() *ScalarRegistry {
	r := &ScalarRegistry{scalars: make(map[string]ScalarCodec)}
	// Built-ins are registered through the same path a user scalar would
	// use, so there is no privileged bootstrap code path to drift from
	// the public one.
	_ = r.Register(bigintCodec())
	_ = r.Register(timestampCodec())
	return r
}

// Register installs sc. Names must be lowercase per spec.md §3 invariant
// (a); re-registering an existing name replaces its codec (useful for
// tests), which mirrors dynamic registration being explicitly tolerated
// by Design Note §9.
func (r *ScalarRegistry) Register(sc ScalarCodec) error {
	if !scalarNameRe.MatchString(sc.Name) {
		return fmt.Errorf("codec: scalar name %q must be lowercase (a-z0-9_)", sc.Name)
	}
	if sc.Encode == nil || sc.Decode == nil {
		return fmt.Errorf("codec: scalar %q must provide both Encode and Decode", sc.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars[sc.Name] = sc
	return nil
}

// Get returns the codec for name, if registered.
func (r *ScalarRegistry) Get(name string) (ScalarCodec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scalars[name]
	return sc, ok
}

// Names returns every registered scalar name, for synthesizing wrapper
// proto sources.
func (r *ScalarRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scalars))
	for n := range r.scalars {
		names = append(names, n)
	}
	return names
}
