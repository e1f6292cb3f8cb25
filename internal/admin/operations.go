package admin

import (
	"context"
	"sort"
	"strings"

	"github.com/icebiz/modgate/internal/access"
	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/engine"
	"github.com/icebiz/modgate/internal/reconcile"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/icebiz/modgate/pkg/schema"
)

// ListModules returns a copy of the current mapping. Any authenticated
// caller may list.
func (s *Service) ListModules(ctx context.Context, actor access.Caller) (schema.Listing, error) {
	if !actor.Authenticated {
		return schema.Listing{}, apperr.New(apperr.KindUnauthenticated, "authentication required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.syncSeqLocked(ctx); err != nil {
		return schema.Listing{}, err
	}
	return schema.Listing{Seq: s.gmm.Seq(), Modules: wireMapping(s.gmm.All())}, nil
}

// UpdateGroupModules sets group's membership in each listed module.
// Modules missing from memberships keep their current membership.
func (s *Service) UpdateGroupModules(ctx context.Context, actor access.Caller, group string, memberships map[registry.Module]bool) (schema.UpdateResult, error) {
	group = strings.TrimSpace(group)
	res, err := s.updateGroupModules(ctx, actor, group, memberships)
	s.finish(actor, schema.ActionUpdateGroupModules, group, res, err)
	return res, err
}

func (s *Service) updateGroupModules(ctx context.Context, actor access.Caller, group string, memberships map[registry.Module]bool) (schema.UpdateResult, error) {
	if err := s.authorize(actor); err != nil {
		return schema.UpdateResult{}, err
	}
	if group == "" {
		return schema.UpdateResult{}, apperr.New(apperr.KindInvalidParam, "group name is required")
	}
	for mod := range memberships {
		if !s.reg.Has(mod) {
			return schema.UpdateResult{}, apperr.Newf(apperr.KindUnknownModule, "unknown module %q", mod)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enterLocked(ctx); err != nil {
		return schema.UpdateResult{}, err
	}

	exists, err := s.store.GroupExists(ctx, group)
	if err != nil {
		return schema.UpdateResult{}, apperr.Wrap(apperr.KindInternal, err, "look up group")
	}
	if !exists {
		return schema.UpdateResult{}, apperr.Newf(apperr.KindUnknownGroup, "group %q does not exist", group)
	}

	return s.mutateLocked(ctx, edit{group: group, memberships: memberships}, true)
}

// DeleteGroup removes group from every module and revokes its
// module-derived grants. The group itself is left to the framework; a
// group the framework already deleted is still removed from the mapping.
func (s *Service) DeleteGroup(ctx context.Context, actor access.Caller, group string) (schema.UpdateResult, error) {
	group = strings.TrimSpace(group)
	res, err := s.deleteGroup(ctx, actor, group)
	s.finish(actor, schema.ActionDeleteGroup, group, res, err)
	return res, err
}

func (s *Service) deleteGroup(ctx context.Context, actor access.Caller, group string) (schema.UpdateResult, error) {
	if err := s.authorize(actor); err != nil {
		return schema.UpdateResult{}, err
	}
	if group == "" {
		return schema.UpdateResult{}, apperr.New(apperr.KindInvalidParam, "group name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enterLocked(ctx); err != nil {
		return schema.UpdateResult{}, err
	}

	exists, err := s.store.GroupExists(ctx, group)
	if err != nil {
		return schema.UpdateResult{}, apperr.Wrap(apperr.KindInternal, err, "look up group")
	}
	if !exists && len(s.gmm.ModulesFor(group)) == 0 {
		return schema.UpdateResult{}, apperr.Newf(apperr.KindUnknownGroup, "group %q does not exist", group)
	}

	memberships := make(map[registry.Module]bool)
	for _, mod := range s.reg.Modules() {
		memberships[mod] = false
	}
	// A vanished group has no grants left to revoke.
	return s.mutateLocked(ctx, edit{group: group, memberships: memberships, sweep: true}, exists)
}

// ReconcileAll repairs the native grants of every group from scratch.
func (s *Service) ReconcileAll(ctx context.Context, actor access.Caller) (schema.ReconcileResult, error) {
	if err := s.authorize(actor); err != nil {
		s.finish(actor, schema.ActionReconcileAll, "", schema.UpdateResult{}, err)
		return schema.ReconcileResult{}, err
	}

	s.mu.Lock()
	if _, err := s.syncSeqLocked(ctx); err != nil {
		s.mu.Unlock()
		s.finish(actor, schema.ActionReconcileAll, "", schema.UpdateResult{}, err)
		return schema.ReconcileResult{}, err
	}
	report, err := s.sync.ReconcileAll(context.WithoutCancel(ctx))
	if err == nil {
		s.setPendingLocked(report.FailedGroups())
		s.settleLocked()
	}
	seq := s.gmm.Seq()
	s.mu.Unlock()

	if err != nil {
		err = apperr.Wrap(apperr.KindInternal, err, "reconcile all groups")
	}
	s.finish(actor, schema.ActionReconcileAll, "", schema.UpdateResult{Seq: seq}, err)
	return schema.ReconcileResult{
		Added:        report.Added,
		Removed:      report.Removed,
		Skipped:      len(report.Skipped),
		Failed:       len(report.Failed),
		FailedGroups: report.FailedGroups(),
	}, err
}

// Flush retries outstanding grant repairs and writes the document if
// memory holds unpersisted changes.
func (s *Service) Flush(ctx context.Context, actor access.Caller) error {
	if err := s.authorize(actor); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enterLocked(ctx); err != nil {
		return err
	}
	if !s.dirty {
		return nil
	}
	s.state = StatePersisting
	err := s.persistLocked(context.WithoutCancel(ctx))
	s.settleLocked()
	e := schema.AuditEntry{Actor: actor.ID, Action: schema.ActionFlush, Seq: s.gmm.Seq()}
	if err != nil {
		e.Error = err.Error()
	}
	s.record(e)
	s.obs.AdminOp(schema.ActionFlush, string(apperr.KindOf(err)))
	return err
}

// Refresh reloads the mapping when the document on disk is newer than
// memory. Watchers and pub/sub subscribers call it.
func (s *Service) Refresh(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncSeqLocked(ctx)
}

func (s *Service) finish(actor access.Caller, action, group string, res schema.UpdateResult, err error) {
	s.obs.AdminOp(action, string(apperr.KindOf(err)))
	e := schema.AuditEntry{
		Actor:   actor.ID,
		Action:  action,
		Group:   group,
		Changes: res.Changes,
		Seq:     res.Seq,
	}
	if err != nil {
		e.Error = err.Error()
	}
	s.mu.Lock()
	s.record(e)
	s.mu.Unlock()
}

// enterLocked runs at the start of every mutating call: it picks up newer
// documents written by other processes and rolls forward earlier grant
// repairs.
func (s *Service) enterLocked(ctx context.Context) error {
	if s.readOnly {
		return apperr.New(apperr.KindStaleDocument, "safe mode: the document schema is newer than supported; writes are refused")
	}
	if _, err := s.syncSeqLocked(ctx); err != nil {
		return err
	}
	s.rollForwardLocked(context.WithoutCancel(ctx))
	return nil
}

// mutateLocked runs one edit through the state machine.
func (s *Service) mutateLocked(ctx context.Context, e edit, apply bool) (schema.UpdateResult, error) {
	// Native grants must not be left half-edited by a cancelled request.
	ctx = context.WithoutCancel(ctx)

	s.state = StateDiffing
	tr, err := s.gmm.Put(e.group, e.memberships)
	if err != nil {
		s.settleLocked()
		return schema.UpdateResult{}, err
	}
	tr = tr.Compact()

	sweep := apply && e.sweep
	if tr.Empty() && !s.dirty && !sweep {
		s.settleLocked()
		return s.resultLocked(e.group, tr, true), nil
	}
	if !tr.Empty() {
		s.unflushed = append(s.unflushed, e)
		s.dirty = true
	}

	s.state = StateApplying
	if apply && (!tr.Empty() || sweep) {
		var report reconcile.Report
		if !tr.Empty() {
			report = s.sync.Apply(ctx, tr)
		}
		if sweep {
			report.Merge(s.sync.ReconcileGroup(ctx, e.group))
		}
		if !report.OK() {
			for _, g := range report.FailedGroups() {
				s.pending[g] = struct{}{}
			}
			s.obs.SetPending(len(s.pending))
			s.log.Warnf("native grants incomplete; change held in memory until repaired", map[string]interface{}{
				"group":  e.group,
				"failed": len(report.Failed),
			})
			return s.resultLocked(e.group, tr, false), nil
		}
	}

	if !s.dirty {
		s.settleLocked()
		return s.resultLocked(e.group, tr, true), nil
	}

	s.state = StatePersisting
	if err := s.persistLocked(ctx); err != nil {
		s.settleLocked()
		return s.resultLocked(e.group, tr, false), err
	}
	s.settleLocked()
	return s.resultLocked(e.group, tr, true), nil
}

func (s *Service) resultLocked(group string, tr engine.Transition, persisted bool) schema.UpdateResult {
	return schema.UpdateResult{
		Group:         group,
		Modules:       wireMapping(s.gmm.All()),
		Changes:       wireTransition(tr),
		Seq:           s.gmm.Seq(),
		Persisted:     persisted,
		PendingGroups: s.pendingLocked(),
	}
}

// rollForwardLocked retries grant repairs for pending groups. Groups the
// framework no longer has are dropped; pruning removes them from the
// mapping on the next write.
func (s *Service) rollForwardLocked(ctx context.Context) {
	for _, g := range s.pendingLocked() {
		exists, err := s.store.GroupExists(ctx, g)
		if err != nil {
			continue
		}
		if !exists {
			delete(s.pending, g)
			continue
		}
		if r := s.sync.ReconcileGroup(ctx, g); r.OK() {
			delete(s.pending, g)
		}
	}
	s.settleLocked()
}

// persistLocked writes the mapping with the next sequence number. When
// another process wrote in the meantime, the document is reloaded, edits
// not yet on disk are replayed over it and the write is retried, up to
// ConflictRetries times.
func (s *Service) persistLocked(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		s.pruneLocked(ctx)

		diskSeq, err := s.persist.ReadSeq(ctx)
		if apperr.IsKind(err, apperr.KindStaleDocument) {
			return err
		}
		if err == nil && diskSeq > s.gmm.Seq() {
			if attempt >= s.opts.ConflictRetries {
				return apperr.Newf(apperr.KindConflict,
					"document changed concurrently %d times; change kept in memory", attempt)
			}
			s.log.Warnf("document changed by another process; reloading", map[string]interface{}{
				"disk_seq":   diskSeq,
				"memory_seq": s.gmm.Seq(),
				"attempt":    attempt + 1,
			})
			if err := s.reloadLocked(ctx); err != nil {
				return err
			}
			continue
		}

		next := max(s.attemptSeq, s.gmm.Seq(), diskSeq) + 1
		// A failed write still consumes its number so seq never repeats.
		s.attemptSeq = next

		doc := s.gmm.Snapshot()
		doc.Meta.Seq = next
		err = s.persist.Save(ctx, doc)
		s.obs.DocumentWrite(err)
		if err != nil {
			s.dirty = true
			s.log.WithError(err).Error("persist module permissions; change kept in memory")
			return err
		}

		s.gmm.SetSeq(next)
		s.dirty = false
		s.unflushed = nil
		s.obs.SetSeq(next)
		s.publish(ctx, next)
		return nil
	}
}

// pruneLocked drops mapping entries for groups the framework no longer has.
func (s *Service) pruneLocked(ctx context.Context) {
	groups, err := s.store.Groups(ctx)
	if err != nil {
		s.log.WithError(err).Warn("list groups; skipping prune")
		return
	}
	removed := s.gmm.Prune(groups)
	if len(removed) == 0 {
		return
	}
	pairs := make([]string, 0, len(removed))
	for _, p := range removed {
		pairs = append(pairs, string(p.Module)+"/"+p.Group)
	}
	s.log.Infof("pruned dangling groups", map[string]interface{}{"pairs": pairs})
}

func (s *Service) publish(ctx context.Context, seq uint64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishSeq(ctx, seq); err != nil {
		s.log.WithError(err).Warn("announce document seq")
	}
}

// syncSeqLocked reloads when the document on disk is newer than memory.
func (s *Service) syncSeqLocked(ctx context.Context) (bool, error) {
	if s.readOnly {
		return false, nil
	}
	diskSeq, err := s.persist.ReadSeq(ctx)
	if err != nil {
		if apperr.IsKind(err, apperr.KindStaleDocument) {
			return false, err
		}
		s.log.WithError(err).Warn("read document seq; serving the in-memory mapping")
		return false, nil
	}
	if diskSeq <= s.gmm.Seq() {
		return false, nil
	}
	return true, s.reloadLocked(ctx)
}

// reloadLocked loads the document, replays unpersisted edits over it and
// repairs the grants of every group whose membership moved.
func (s *Service) reloadLocked(ctx context.Context) error {
	before := s.gmm.All()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	for _, e := range s.unflushed {
		if _, err := s.gmm.Put(e.group, e.memberships); err != nil {
			s.log.WithError(err).WithField("group", e.group).Warn("replay edit after reload")
		}
	}
	if len(s.unflushed) > 0 {
		s.dirty = true
	}

	repairCtx := context.WithoutCancel(ctx)
	for _, g := range movedGroups(before, s.gmm.All()) {
		exists, err := s.store.GroupExists(repairCtx, g)
		if err == nil && !exists {
			continue
		}
		if r := s.sync.ReconcileGroup(repairCtx, g); !r.OK() {
			s.pending[g] = struct{}{}
		}
	}
	s.settleLocked()
	return nil
}

func (s *Service) loadLocked(ctx context.Context) error {
	res, err := s.persist.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		s.log.WithField("detail", w).Warn("mapping document")
	}
	if dropped := s.gmm.Load(res.Document); len(dropped) > 0 {
		s.log.Warnf("dropped unknown modules from mapping document", map[string]interface{}{"keys": dropped})
	}
	if seq := s.gmm.Seq(); seq > s.attemptSeq {
		s.attemptSeq = seq
	}
	s.obs.SetSeq(s.gmm.Seq())
	s.log.Infof("mapping loaded", map[string]interface{}{
		"sources": res.Sources,
		"seq":     s.gmm.Seq(),
	})
	return nil
}

// movedGroups lists groups whose membership differs between two mappings.
func movedGroups(before, after map[registry.Module][]string) []string {
	pairs := func(m map[registry.Module][]string) map[engine.Pair]struct{} {
		out := make(map[engine.Pair]struct{})
		for mod, groups := range m {
			for _, g := range groups {
				out[engine.Pair{Module: mod, Group: g}] = struct{}{}
			}
		}
		return out
	}
	b, a := pairs(before), pairs(after)
	moved := make(map[string]struct{})
	for p := range b {
		if _, ok := a[p]; !ok {
			moved[p.Group] = struct{}{}
		}
	}
	for p := range a {
		if _, ok := b[p]; !ok {
			moved[p.Group] = struct{}{}
		}
	}
	out := make([]string, 0, len(moved))
	for g := range moved {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func wireMapping(m map[registry.Module][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for mod, groups := range m {
		if groups == nil {
			groups = []string{}
		}
		out[string(mod)] = groups
	}
	return out
}

func wireTransition(t engine.Transition) map[string]schema.ModuleDiff {
	out := make(map[string]schema.ModuleDiff, len(t))
	for mod, d := range t {
		out[string(mod)] = schema.ModuleDiff{Added: d.Added, Removed: d.Removed}
	}
	return out
}
