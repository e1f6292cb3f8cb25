// Package registry holds the closed set of modules and, for each module, the
// fine-grained permission tokens that together constitute access to it.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TokenUniverse reports the tokens the host framework has registered.
type TokenUniverse interface {
	KnownTokens(ctx context.Context) (TokenSet, error)
}

// Warning is a validation finding attached to a module.
type Warning struct {
	Module  Module
	Token   *Token
	Message string
}

func (w Warning) String() string {
	if w.Token != nil {
		return fmt.Sprintf("%s: %s: %s", w.Module, w.Token, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Module, w.Message)
}

// Registry is the read-only module catalog. The only state change it ever
// sees is Validate disabling modules whose tokens the framework does not
// know, which happens once at startup.
type Registry struct {
	catalog map[Module]TokenSet

	mu       sync.RWMutex
	disabled map[Module]struct{}
}

// New builds a registry from a catalog. Duplicate tokens collapse.
func New(c Catalog) *Registry {
	r := &Registry{
		catalog:  make(map[Module]TokenSet, len(c)),
		disabled: make(map[Module]struct{}),
	}
	for m, tokens := range c {
		r.catalog[m] = NewTokenSet(tokens...)
	}
	return r
}

// Modules returns the closed module enumeration, sorted.
func (r *Registry) Modules() []Module {
	out := make([]Module, 0, len(r.catalog))
	for m := range r.catalog {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether m is a known module.
func (r *Registry) Has(m Module) bool {
	_, ok := r.catalog[m]
	return ok
}

// Disabled reports whether validation switched m off.
func (r *Registry) Disabled(m Module) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.disabled[m]
	return ok
}

// Declared reports whether the catalog lists any token for m, regardless of validation.
func (r *Registry) Declared(m Module) bool {
	return len(r.catalog[m]) > 0
}

// TokensFor returns a copy of the tokens constituting access to m. Unknown
// and disabled modules yield an empty set.
func (r *Registry) TokensFor(m Module) TokenSet {
	if r.Disabled(m) {
		return TokenSet{}
	}
	return r.catalog[m].Clone()
}

// Universe is the union of the tokens of every enabled module. Grants
// outside it belong to the framework and are never touched.
func (r *Registry) Universe() TokenSet {
	out := make(TokenSet)
	for m := range r.catalog {
		if r.Disabled(m) {
			continue
		}
		for t := range r.catalog[m] {
			out[t] = struct{}{}
		}
	}
	return out
}

// SharedTokens returns the tokens listed under more than one module.
func (r *Registry) SharedTokens() TokenSet {
	seen := make(map[Token]int)
	for _, tokens := range r.catalog {
		for t := range tokens {
			seen[t]++
		}
	}
	out := make(TokenSet)
	for t, n := range seen {
		if n > 1 {
			out[t] = struct{}{}
		}
	}
	return out
}

// Validate cross-checks every token against the framework's registered
// tokens. A module with an unknown token is disabled: it then has no tokens
// for reconciliation and the access decider denies it. Modules declared with
// no tokens at all produce a warning but stay enabled.
func (r *Registry) Validate(ctx context.Context, u TokenUniverse) ([]Warning, error) {
	known, err := u.KnownTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registered tokens: %w", err)
	}

	var warnings []Warning
	disabled := make(map[Module]struct{})
	for _, m := range r.Modules() {
		if !r.Declared(m) {
			warnings = append(warnings, Warning{
				Module:  m,
				Message: "module declares no permission tokens; access is portal-only and nothing is granted",
			})
			continue
		}
		for _, t := range r.catalog[m].Sorted() {
			if known.Has(t) {
				continue
			}
			tok := t
			warnings = append(warnings, Warning{
				Module:  m,
				Token:   &tok,
				Message: "token is not registered with the framework; module disabled",
			})
			disabled[m] = struct{}{}
		}
	}

	r.mu.Lock()
	r.disabled = disabled
	r.mu.Unlock()

	return warnings, nil
}
