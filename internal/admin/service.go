// Package admin is the administrative surface over the group-module
// mapping. Every mutation runs through one state machine:
//
//	idle -> diffing -> applying -> persisting -> idle
//
// The mapping is changed in memory first, native grants follow, then the
// document is written. A failed apply leaves the service in applying and
// the change unpersisted; the next call rolls forward. A failed write
// keeps the change in memory and marks the service dirty.
package admin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/icebiz/modgate/internal/access"
	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/engine"
	"github.com/icebiz/modgate/internal/grants"
	"github.com/icebiz/modgate/internal/logger"
	"github.com/icebiz/modgate/internal/reconcile"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/icebiz/modgate/pkg/schema"
)

// State is the position of the mutation state machine.
type State int

const (
	StateIdle State = iota
	StateDiffing
	StateApplying
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiffing:
		return "diffing"
	case StateApplying:
		return "applying"
	case StatePersisting:
		return "persisting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Notifier announces successful writes to other processes.
type Notifier interface {
	PublishSeq(ctx context.Context, seq uint64) error
}

// Observer receives service-level metrics. internal/metrics implements it.
type Observer interface {
	DocumentWrite(err error)
	AdminOp(action, kind string)
	SetSeq(seq uint64)
	SetPending(n int)
}

type nopObserver struct{}

func (nopObserver) DocumentWrite(error)    {}
func (nopObserver) AdminOp(string, string) {}
func (nopObserver) SetSeq(uint64)          {}
func (nopObserver) SetPending(int)         {}

// Options tune the service.
type Options struct {
	// AdminGroups may mutate the mapping. Superusers always may.
	AdminGroups []string
	// ConflictRetries bounds reload-and-retry on a concurrent write.
	ConflictRetries int
	// SafeMode starts with an empty, read-only mapping when the document
	// schema is newer than supported, instead of failing Start.
	SafeMode bool
}

const auditCapacity = 200

// edit is one group edit held in memory until it is on disk. Edits are
// replayed over a reloaded mapping.
type edit struct {
	group       string
	memberships map[registry.Module]bool
	// sweep also revokes catalog tokens the group holds outside the diff.
	sweep bool
}

// Service owns the admin path. Its mutex serializes administrative calls;
// the access decider reads the mapping without it.
type Service struct {
	reg     *registry.Registry
	gmm     *engine.Mapping
	persist *engine.Persistence
	store   grants.Store
	sync    *reconcile.Synchronizer
	opts    Options
	log     *logger.Logger
	audit   *logger.Logger

	notifier Notifier
	obs      Observer
	now      func() time.Time

	mu         sync.Mutex
	state      State
	attemptSeq uint64
	dirty      bool
	readOnly   bool
	unflushed  []edit
	pending    map[string]struct{}
	recent     []schema.AuditEntry
}

// NewService wires the service. sync must use gmm as its membership view.
func NewService(reg *registry.Registry, gmm *engine.Mapping, persist *engine.Persistence,
	store grants.Store, sync *reconcile.Synchronizer, opts Options, log *logger.Logger) *Service {
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = 3
	}
	l := logger.OrNop(log)
	return &Service{
		reg:     reg,
		gmm:     gmm,
		persist: persist,
		store:   store,
		sync:    sync,
		opts:    opts,
		log:     l.WithComponent("admin"),
		audit:   l.WithComponent("audit"),
		obs:     nopObserver{},
		now:     time.Now,
		pending: make(map[string]struct{}),
	}
}

// WithNotifier sets the write announcer.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithObserver sets the metrics observer.
func (s *Service) WithObserver(o Observer) *Service {
	if o != nil {
		s.obs = o
	}
	return s
}

// Start validates the registry, loads the document and reconciles every
// group. A document with a newer schema fails Start unless SafeMode is on.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	warnings, err := s.reg.Validate(ctx, s.store)
	if err != nil {
		return fmt.Errorf("validate module catalog: %w", err)
	}
	s.logValidation(warnings)
	if shared := s.reg.SharedTokens(); len(shared) > 0 {
		s.log.Infof("tokens shared between modules", map[string]interface{}{
			"tokens": shared.Strings(),
		})
	}

	if err := s.loadLocked(ctx); err != nil {
		if !apperr.IsKind(err, apperr.KindStaleDocument) || !s.opts.SafeMode {
			return err
		}
		s.log.WithError(err).Error("safe mode: serving an empty mapping; writes are refused until the document is fixed")
		s.gmm.Load(engine.Document{})
		s.readOnly = true
		s.state = StateIdle
		return nil
	}

	report, err := s.sync.ReconcileAll(ctx)
	if err != nil {
		s.log.WithError(err).Error("startup reconciliation failed")
	} else {
		s.setPendingLocked(report.FailedGroups())
	}
	s.settleLocked()
	return nil
}

func (s *Service) logValidation(warnings []registry.Warning) {
	for _, w := range warnings {
		if w.Token == nil {
			s.log.WithField("module", w.Module).Warn(w.Message)
			continue
		}
		if !s.sync.FirstMissing(*w.Token) {
			continue
		}
		s.log.Warnf(w.Message, map[string]interface{}{
			"kind":   apperr.KindMissingToken,
			"module": w.Module,
			"token":  w.Token.String(),
		})
	}
}

// State returns the current state machine position.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dirty reports whether memory holds changes the document lacks.
func (s *Service) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Pending lists groups whose native grants await repair.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// ReadOnly reports whether the service started in safe mode.
func (s *Service) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// Audit returns up to limit recent audit entries, newest last.
func (s *Service) Audit(limit int) []schema.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]schema.AuditEntry, limit)
	copy(out, s.recent[len(s.recent)-limit:])
	return out
}

// Status reports the state machine position and what is outstanding.
func (s *Service) Status() schema.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schema.Status{
		State:         s.state.String(),
		Seq:           s.gmm.Seq(),
		Dirty:         s.dirty,
		ReadOnly:      s.readOnly,
		PendingGroups: s.pendingLocked(),
	}
}

// Authorize reports whether actor may use the administrative surface.
func (s *Service) Authorize(actor access.Caller) error {
	return s.authorize(actor)
}

// authorize admits superusers and members of the admin groups.
func (s *Service) authorize(actor access.Caller) error {
	if !actor.Authenticated {
		return apperr.New(apperr.KindUnauthenticated, "authentication required")
	}
	if actor.Superuser {
		return nil
	}
	for _, g := range actor.Groups {
		for _, a := range s.opts.AdminGroups {
			if g == a {
				return nil
			}
		}
	}
	return apperr.New(apperr.KindPermissionDenied, "caller may not administer module permissions")
}

func (s *Service) pendingLocked() []string {
	out := make([]string, 0, len(s.pending))
	for g := range s.pending {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (s *Service) setPendingLocked(groups []string) {
	s.pending = make(map[string]struct{}, len(groups))
	for _, g := range groups {
		s.pending[g] = struct{}{}
	}
	s.obs.SetPending(len(s.pending))
}

// settleLocked leaves the state machine at rest: applying while grant
// repairs are outstanding, idle otherwise.
func (s *Service) settleLocked() {
	if len(s.pending) > 0 {
		s.state = StateApplying
	} else {
		s.state = StateIdle
	}
	s.obs.SetPending(len(s.pending))
}

func (s *Service) record(e schema.AuditEntry) {
	e.Timestamp = s.now().UTC()
	fields := map[string]interface{}{
		"actor":  e.Actor,
		"action": e.Action,
		"seq":    e.Seq,
	}
	if e.Group != "" {
		fields["group"] = e.Group
	}
	if len(e.Changes) > 0 {
		fields["changes"] = e.Changes
	}
	if e.Error != "" {
		fields["error"] = e.Error
		s.audit.Warnf("admin action failed", fields)
	} else {
		s.audit.Infof("admin action", fields)
	}

	s.recent = append(s.recent, e)
	if len(s.recent) > auditCapacity {
		s.recent = s.recent[len(s.recent)-auditCapacity:]
	}
}
