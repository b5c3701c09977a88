package upload

import (
	"fmt"
	"sort"
	"strings"
)

// Resolver maps source-type tags to providers, case-insensitively.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver registers providers and rejects empty or duplicate tags.
func NewResolver(providers ...Provider) (*Resolver, error) {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("nil provider")
		}
		key := normaliseSourceType(p.SourceType())
		if key == "" {
			return nil, fmt.Errorf("provider %T has an empty source type", p)
		}
		if _, exists := r.providers[key]; exists {
			return nil, fmt.Errorf("source type %q registered twice", key)
		}
		r.providers[key] = p
	}
	return r, nil
}

// Resolve returns the provider registered for sourceType.
func (r *Resolver) Resolve(sourceType string) (Provider, error) {
	if p, ok := r.providers[normaliseSourceType(sourceType)]; ok {
		return p, nil
	}
	return nil, &Failure{Kind: FailureConfiguration, Op: "resolve provider", Detail: sourceType, Err: ErrUnknownSourceType}
}

// SourceTypes lists the registered tags in sorted order.
func (r *Resolver) SourceTypes() []string {
	types := make([]string, 0, len(r.providers))
	for key := range r.providers {
		types = append(types, key)
	}
	sort.Strings(types)
	return types
}

func normaliseSourceType(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
