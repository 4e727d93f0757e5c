package oracle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// Source is an oracle source that can also check a reference at market
// creation.
type Source interface {
	domain.OracleSource
	ValidateRef(ref string) error
}

// Registry maps source kinds to oracle sources.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates a registry with the given sources, keyed by Name().
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.sources[s.Name()] = s
	}
	return r
}

// SplitSource splits "kind:ref".
func SplitSource(source string) (kind, ref string, err error) {
	kind, ref, ok := strings.Cut(strings.TrimSpace(source), ":")
	if !ok || kind == "" || ref == "" {
		return "", "", fmt.Errorf("oracle: source %q: want kind:ref", source)
	}
	return kind, ref, nil
}

// Lookup returns the source registered for source's kind.
func (r *Registry) Lookup(source string) (domain.OracleSource, error) {
	kind, _, err := SplitSource(source)
	if err != nil {
		return nil, err
	}
	s, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("oracle: no source registered for %q (have %s)", kind, strings.Join(r.Kinds(), ", "))
	}
	return s, nil
}

// Validate checks that source names a registered kind with a well-formed
// reference and that condition parses.
func (r *Registry) Validate(source, condition string) error {
	kind, ref, err := SplitSource(source)
	if err != nil {
		return err
	}
	s, ok := r.sources[kind]
	if !ok {
		return fmt.Errorf("oracle: no source registered for %q", kind)
	}
	if err := s.ValidateRef(ref); err != nil {
		return err
	}
	if _, err := ParseCondition(condition); err != nil {
		return err
	}
	return nil
}

// Kinds returns the registered source kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.sources))
	for k := range r.sources {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
