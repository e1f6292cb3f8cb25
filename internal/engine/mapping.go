package engine

import (
	"sort"
	"strings"
	"sync"

	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/registry"
)

// Mapping is the thread-safe group-module mapping. Keys are confined to the
// registry's modules; values are sets of group names.
type Mapping struct {
	mu  sync.RWMutex
	reg *registry.Registry
	// Structure: [module][group]
	data map[registry.Module]map[string]struct{}
	seq  uint64
}

// NewMapping returns an empty mapping over the registry's modules.
func NewMapping(reg *registry.Registry) *Mapping {
	m := &Mapping{reg: reg}
	m.data = m.emptyData()
	return m
}

func (m *Mapping) emptyData() map[registry.Module]map[string]struct{} {
	data := make(map[registry.Module]map[string]struct{})
	for _, mod := range m.reg.Modules() {
		data[mod] = make(map[string]struct{})
	}
	return data
}

func (m *Mapping) checkModule(mod registry.Module) error {
	if !m.reg.Has(mod) {
		return apperr.Newf(apperr.KindUnknownModule, "unknown module %q", mod)
	}
	return nil
}

// Get returns the groups allowed to use mod, sorted. Unknown modules yield nil.
func (m *Mapping) Get(mod registry.Module) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.data[mod])
}

// Contains reports whether group is allowed to use mod.
func (m *Mapping) Contains(mod registry.Module, group string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[mod][group]
	return ok
}

// Matching returns the members of groups allowed to use mod, sorted.
func (m *Mapping) Matching(mod registry.Module, groups []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	allowed := m.data[mod]
	var out []string
	for _, g := range groups {
		if _, ok := allowed[g]; ok {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// ModulesFor returns the modules group is allowed to use, sorted.
func (m *Mapping) ModulesFor(group string) []registry.Module {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []registry.Module
	for mod, groups := range m.data {
		if _, ok := groups[group]; ok {
			out = append(out, mod)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Groups returns every group named anywhere in the mapping, sorted.
func (m *Mapping) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make(map[string]struct{})
	for _, groups := range m.data {
		for g := range groups {
			all[g] = struct{}{}
		}
	}
	return sortedKeys(all)
}

// All returns a deep copy of the mapping.
func (m *Mapping) All() map[registry.Module][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[registry.Module][]string, len(m.data))
	for mod, groups := range m.data {
		out[mod] = sortedKeys(groups)
	}
	return out
}

// Seq is the sequence number of the document this state corresponds to.
func (m *Mapping) Seq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// SetSeq records the sequence number of the document just written.
func (m *Mapping) SetSeq(seq uint64) {
	m.mu.Lock()
	m.seq = seq
	m.mu.Unlock()
}

// Set replaces the groups allowed to use mod and returns the change.
func (m *Mapping) Set(mod registry.Module, groups []string) (Diff, error) {
	if err := m.checkModule(mod); err != nil {
		return Diff{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(mod, toSet(groups)), nil
}

// setLocked is the single mutation path. It MUST be called with m.mu held.
func (m *Mapping) setLocked(mod registry.Module, next map[string]struct{}) Diff {
	prev := m.data[mod]
	var d Diff
	for g := range next {
		if _, ok := prev[g]; !ok {
			d.Added = append(d.Added, g)
		}
	}
	for g := range prev {
		if _, ok := next[g]; !ok {
			d.Removed = append(d.Removed, g)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	m.data[mod] = next
	return d
}

// Put edits one group's membership across several modules. Every module is
// checked before anything changes, so the edit applies entirely or not at all.
func (m *Mapping) Put(group string, memberships map[registry.Module]bool) (Transition, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, apperr.New(apperr.KindInvalidParam, "group name is required")
	}
	for mod := range memberships {
		if err := m.checkModule(mod); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(Transition, len(memberships))
	for mod, member := range memberships {
		next := copySet(m.data[mod])
		if member {
			next[group] = struct{}{}
		} else {
			delete(next, group)
		}
		out[mod] = m.setLocked(mod, next)
	}
	return out, nil
}

// Prune removes every entry whose group is not in existing and returns the
// removed pairs, sorted by module then group.
func (m *Mapping) Prune(existing []string) []Pair {
	keep := toSet(existing)

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []Pair
	for mod, groups := range m.data {
		next := make(map[string]struct{}, len(groups))
		for g := range groups {
			if _, ok := keep[g]; ok {
				next[g] = struct{}{}
			} else {
				removed = append(removed, Pair{Module: mod, Group: g})
			}
		}
		if len(next) != len(groups) {
			m.setLocked(mod, next)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		if removed[i].Module != removed[j].Module {
			return removed[i].Module < removed[j].Module
		}
		return removed[i].Group < removed[j].Group
	})
	return removed
}

// Snapshot returns the persisted form of the current state. Every known
// module is written, including empty ones.
func (m *Mapping) Snapshot() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc := Document{
		Meta:    Meta{Schema: SchemaVersion, Seq: m.seq},
		Modules: make(map[string][]string, len(m.data)),
	}
	for mod, groups := range m.data {
		doc.Modules[string(mod)] = sortedKeys(groups)
	}
	return doc
}

// Load replaces the in-memory state with doc. Keys that are not known
// modules are dropped and returned so the caller can log them.
func (m *Mapping) Load(doc Document) []string {
	data := m.emptyData()
	var dropped []string
	for key, groups := range doc.Modules {
		mod := registry.Module(key)
		if !m.reg.Has(mod) {
			dropped = append(dropped, key)
			continue
		}
		data[mod] = toSet(groups)
	}
	sort.Strings(dropped)

	m.mu.Lock()
	m.data = data
	m.seq = doc.Meta.Seq
	m.mu.Unlock()
	return dropped
}

func toSet(groups []string) map[string]struct{} {
	out := make(map[string]struct{}, len(groups))
	for _, g := range cleanGroups(groups) {
		out[g] = struct{}{}
	}
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(in map[string]struct{}) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
