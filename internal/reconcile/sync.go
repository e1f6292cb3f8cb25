// Package reconcile keeps the framework's native grants consistent with the
// group-module mapping.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/engine"
	"github.com/icebiz/modgate/internal/grants"
	"github.com/icebiz/modgate/internal/logger"
	"github.com/icebiz/modgate/internal/registry"
)

// MembershipView answers which modules a group currently belongs to.
// *engine.Mapping implements it.
type MembershipView interface {
	ModulesFor(group string) []registry.Module
}

// Observer receives per-operation outcomes. internal/metrics implements it.
type Observer interface {
	TokenOp(op, result string)
	ObserveReconcile(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) TokenOp(string, string)        {}
func (nopObserver) ObserveReconcile(time.Duration) {}

// Assignment names one group's membership in one module. Operations take
// it instead of a positional (module, group) pair.
type Assignment struct {
	Module registry.Module
	Group  string
}

func (a Assignment) String() string {
	return fmt.Sprintf("%s/%s", a.Module, a.Group)
}

// Synchronizer translates mapping changes into native grant edits.
type Synchronizer struct {
	reg   *registry.Registry
	store grants.Store
	view  MembershipView
	obs   Observer
	log   *logger.Logger

	mu     sync.Mutex
	warned map[registry.Token]struct{}
}

// New creates a synchronizer. view must reflect the mapping after the
// change being applied.
func New(reg *registry.Registry, store grants.Store, view MembershipView, log *logger.Logger) *Synchronizer {
	return &Synchronizer{
		reg:    reg,
		store:  store,
		view:   view,
		obs:    nopObserver{},
		log:    logger.OrNop(log).WithComponent("sync"),
		warned: make(map[registry.Token]struct{}),
	}
}

// WithObserver sets the metrics observer.
func (s *Synchronizer) WithObserver(o Observer) *Synchronizer {
	if o != nil {
		s.obs = o
	}
	return s
}

// Grant adds every token of a.Module to a.Group.
func (s *Synchronizer) Grant(ctx context.Context, a Assignment) Report {
	var r Report
	s.warnDisabled(a.Module)
	for _, t := range s.reg.TokensFor(a.Module).Sorted() {
		s.add(ctx, a.Group, t, &r)
	}
	return r
}

// Revoke removes the tokens of a.Module from a.Group, except tokens another
// module still sanctions for the group.
func (s *Synchronizer) Revoke(ctx context.Context, a Assignment) Report {
	var r Report
	s.warnDisabled(a.Module)
	for _, t := range s.revocable(a).Sorted() {
		s.remove(ctx, a.Group, t, &r)
	}
	return r
}

// revocable is tokens_for(m) minus the tokens of every other module the
// group still belongs to.
func (s *Synchronizer) revocable(a Assignment) registry.TokenSet {
	keep := make(registry.TokenSet)
	for _, other := range s.view.ModulesFor(a.Group) {
		if other == a.Module {
			continue
		}
		keep = keep.Union(s.reg.TokensFor(other))
	}
	return s.reg.TokensFor(a.Module).Minus(keep)
}

// Apply executes the grants and revocations implied by a mapping
// transition. Every removal runs before any addition.
func (s *Synchronizer) Apply(ctx context.Context, t engine.Transition) Report {
	var removals, additions []Assignment
	for mod, d := range t {
		for _, g := range d.Removed {
			removals = append(removals, Assignment{Module: mod, Group: g})
		}
		for _, g := range d.Added {
			additions = append(additions, Assignment{Module: mod, Group: g})
		}
	}
	sortAssignments(removals)
	sortAssignments(additions)

	var r Report
	for _, a := range removals {
		r.Merge(s.Revoke(ctx, a))
	}
	for _, a := range additions {
		r.Merge(s.Grant(ctx, a))
	}
	s.logReport("apply", r)
	return r
}

// ReconcileGroup makes the group's grants inside the catalog's token
// universe equal to the union of the tokens of its modules. Grants outside
// the universe are left alone.
func (s *Synchronizer) ReconcileGroup(ctx context.Context, group string) Report {
	var r Report

	desired := make(registry.TokenSet)
	for _, mod := range s.view.ModulesFor(group) {
		desired = desired.Union(s.reg.TokensFor(mod))
	}

	current, err := s.store.Grants(ctx, group)
	if err != nil {
		s.obs.TokenOp(string(OpRead), "error")
		s.log.WithError(err).WithField("group", group).Error("read native grants")
		r.Failed = append(r.Failed, Issue{Op: OpRead, Group: group, Err: err.Error()})
		return r
	}

	owned := current.Intersect(s.reg.Universe())
	for _, t := range owned.Minus(desired).Sorted() {
		s.remove(ctx, group, t, &r)
	}
	for _, t := range desired.Minus(current).Sorted() {
		s.add(ctx, group, t, &r)
	}
	return r
}

// ReconcileAll reconciles every group the framework knows.
func (s *Synchronizer) ReconcileAll(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() { s.obs.ObserveReconcile(time.Since(start)) }()

	groups, err := s.store.Groups(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list groups: %w", err)
	}

	var r Report
	for _, g := range groups {
		r.Merge(s.ReconcileGroup(ctx, g))
	}
	s.logReport("reconcile_all", r)
	return r, nil
}

func (s *Synchronizer) add(ctx context.Context, group string, t registry.Token, r *Report) {
	err := s.store.AddGrant(ctx, group, t)
	s.record(OpAdd, group, t, err, r)
	if err == nil {
		r.Added++
	}
}

func (s *Synchronizer) remove(ctx context.Context, group string, t registry.Token, r *Report) {
	err := s.store.RemoveGrant(ctx, group, t)
	s.record(OpRemove, group, t, err, r)
	if err == nil {
		r.Removed++
	}
}

func (s *Synchronizer) record(op Op, group string, t registry.Token, err error, r *Report) {
	tok := t
	switch {
	case err == nil:
		s.obs.TokenOp(string(op), "ok")
	case apperr.IsKind(err, apperr.KindMissingToken):
		s.obs.TokenOp(string(op), "skipped")
		if s.FirstMissing(t) {
			s.log.Warnf("token not registered; skipped", map[string]interface{}{
				"op": op, "group": group, "token": t.String(),
			})
		}
		r.Skipped = append(r.Skipped, Issue{Op: op, Group: group, Token: &tok, Err: err.Error()})
	default:
		s.obs.TokenOp(string(op), "error")
		s.log.WithError(err).Errorf("token operation failed", map[string]interface{}{
			"op": op, "group": group, "token": t.String(),
		})
		r.Failed = append(r.Failed, Issue{Op: op, Group: group, Token: &tok, Err: err.Error()})
	}
}

// FirstMissing records t as unknown to the framework and reports whether
// this is the first time in the process, so each missing token is logged once.
func (s *Synchronizer) FirstMissing(t registry.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.warned[t]; seen {
		return false
	}
	s.warned[t] = struct{}{}
	return true
}

func (s *Synchronizer) warnDisabled(mod registry.Module) {
	if s.reg.Disabled(mod) {
		s.log.WithField("module", mod).Warn("module disabled by validation; no grants changed")
	}
}

func (s *Synchronizer) logReport(batch string, r Report) {
	fields := map[string]interface{}{
		"batch":   batch,
		"added":   r.Added,
		"removed": r.Removed,
		"skipped": len(r.Skipped),
		"failed":  len(r.Failed),
	}
	if r.OK() {
		s.log.Infof("sync batch finished", fields)
		return
	}
	s.log.Warnf("sync batch finished with failures", fields)
}

func sortAssignments(as []Assignment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Module != as[j].Module {
			return as[i].Module < as[j].Module
		}
		return as[i].Group < as[j].Group
	})
}
