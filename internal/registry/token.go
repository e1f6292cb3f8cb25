package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Action is the verb part of a permission token.
type Action string

const (
	ActionView   Action = "view"
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionDelete Action = "delete"
)

// Token is a fine-grained permission the host framework enforces. Its
// canonical form is "domain.action_entity", or "domain.action" when the
// token is not bound to a single entity.
type Token struct {
	Domain string
	Action Action
	Entity string
}

// T builds a token; entity may be empty.
func T(domain string, action Action, entity string) Token {
	return Token{Domain: domain, Action: action, Entity: entity}
}

// Codename is the part after the domain, e.g. "view_inventoryitem".
func (t Token) Codename() string {
	if t.Entity == "" {
		return string(t.Action)
	}
	return string(t.Action) + "_" + t.Entity
}

func (t Token) String() string {
	return t.Domain + "." + t.Codename()
}

// ParseToken parses the canonical string form.
func ParseToken(s string) (Token, error) {
	domain, codename, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || domain == "" || codename == "" {
		return Token{}, fmt.Errorf("malformed permission token %q", s)
	}
	action, entity, _ := strings.Cut(codename, "_")
	if action == "" {
		return Token{}, fmt.Errorf("malformed permission token %q", s)
	}
	return Token{Domain: domain, Action: Action(action), Entity: entity}, nil
}

// MustParseToken is ParseToken for literals known to be valid.
func MustParseToken(s string) Token {
	t, err := ParseToken(s)
	if err != nil {
		panic(err)
	}
	return t
}

// TokenSet is an unordered set of tokens.
type TokenSet map[Token]struct{}

// NewTokenSet builds a set from tokens, collapsing duplicates.
func NewTokenSet(tokens ...Token) TokenSet {
	s := make(TokenSet, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

func (s TokenSet) Add(t Token) {
	s[t] = struct{}{}
}

func (s TokenSet) Has(t Token) bool {
	_, ok := s[t]
	return ok
}

// Union returns a new set with the members of s and o.
func (s TokenSet) Union(o TokenSet) TokenSet {
	out := make(TokenSet, len(s)+len(o))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range o {
		out[t] = struct{}{}
	}
	return out
}

// Minus returns the members of s that are not in o.
func (s TokenSet) Minus(o TokenSet) TokenSet {
	out := make(TokenSet, len(s))
	for t := range s {
		if _, ok := o[t]; !ok {
			out[t] = struct{}{}
		}
	}
	return out
}

// Intersect returns the members present in both sets.
func (s TokenSet) Intersect(o TokenSet) TokenSet {
	out := make(TokenSet)
	for t := range s {
		if _, ok := o[t]; ok {
			out[t] = struct{}{}
		}
	}
	return out
}

// Clone returns an independent copy.
func (s TokenSet) Clone() TokenSet {
	return s.Union(nil)
}

// Sorted returns the tokens ordered by canonical string.
func (s TokenSet) Sorted() []Token {
	out := make([]Token, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Strings returns the canonical forms, sorted.
func (s TokenSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, t := range sorted {
		out[i] = t.String()
	}
	return out
}
