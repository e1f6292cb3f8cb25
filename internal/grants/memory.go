package grants

import (
	"context"
	"sort"
	"sync"

	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/registry"
)

// FailFunc lets tests inject a failure into a single token operation.
// op is "add" or "remove".
type FailFunc func(op, group string, t registry.Token) error

// MemStore is an in-memory grant store. The daemon uses it when no
// database is configured; tests use it as the framework.
type MemStore struct {
	mu     sync.RWMutex
	known  registry.TokenSet
	groups map[string]registry.TokenSet

	// Fail, when set, is consulted before every AddGrant and RemoveGrant.
	Fail FailFunc
}

// NewMemStore creates a store whose framework registers known.
func NewMemStore(known registry.TokenSet) *MemStore {
	if known == nil {
		known = make(registry.TokenSet)
	}
	return &MemStore{
		known:  known.Clone(),
		groups: make(map[string]registry.TokenSet),
	}
}

// CreateGroup adds a group with the given grants, replacing any existing one.
func (s *MemStore) CreateGroup(group string, tokens ...registry.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = registry.NewTokenSet(tokens...)
}

// DeleteGroup removes a group and its grants.
func (s *MemStore) DeleteGroup(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, group)
}

// Register makes the framework know additional tokens.
func (s *MemStore) Register(tokens ...registry.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		s.known.Add(t)
	}
}

func (s *MemStore) Groups(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) GroupExists(ctx context.Context, group string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[group]
	return ok, nil
}

func (s *MemStore) Grants(ctx context.Context, group string) (registry.TokenSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens, ok := s.groups[group]
	if !ok {
		return nil, apperr.Newf(apperr.KindUnknownGroup, "group %q not found", group)
	}
	return tokens.Clone(), nil
}

func (s *MemStore) AddGrant(ctx context.Context, group string, t registry.Token) error {
	if err := s.fail("add", group, t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.groups[group]
	if !ok {
		return apperr.Newf(apperr.KindUnknownGroup, "group %q not found", group)
	}
	if !s.known.Has(t) {
		return apperr.Newf(apperr.KindMissingToken, "token %s is not registered", t)
	}
	tokens.Add(t)
	return nil
}

func (s *MemStore) RemoveGrant(ctx context.Context, group string, t registry.Token) error {
	if err := s.fail("remove", group, t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.groups[group]
	if !ok {
		return apperr.Newf(apperr.KindUnknownGroup, "group %q not found", group)
	}
	delete(tokens, t)
	return nil
}

func (s *MemStore) KnownTokens(ctx context.Context) (registry.TokenSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.known.Clone(), nil
}

func (s *MemStore) fail(op, group string, t registry.Token) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op, group, t)
}
