// Package access decides whether a caller may use a module. The decision
// consults only the group-module mapping, never native grants.
package access

import (
	"github.com/icebiz/modgate/internal/registry"
)

// Caller is the identity a request runs as.
type Caller struct {
	ID            string   `json:"id"`
	Authenticated bool     `json:"authenticated"`
	Superuser     bool     `json:"superuser"`
	Groups        []string `json:"groups"`
}

// Anonymous is the caller of a request without credentials.
func Anonymous() Caller {
	return Caller{}
}

// System is the caller used by local operator tooling.
func System() Caller {
	return Caller{ID: "system", Authenticated: true, Superuser: true}
}

// Membership reports which of the given groups may use a module.
// *engine.Mapping implements it.
type Membership interface {
	Matching(mod registry.Module, groups []string) []string
}

// Observer receives every decision. internal/metrics implements it.
type Observer interface {
	AccessDecision(module string, allowed bool)
}

// Reasons attached to a Decision.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonUnknownModule   = "unknown module"
	ReasonSuperuser       = "superuser"
	ReasonDisabled        = "module disabled by token validation"
	ReasonGroupMatch      = "group allowed"
	ReasonNoGroup         = "no allowed group"
)

// Decision is an explained access decision.
type Decision struct {
	Module  registry.Module `json:"module"`
	Allowed bool            `json:"allowed"`
	Reason  string          `json:"reason"`
	// Groups are the caller's groups that granted access.
	Groups []string `json:"groups,omitempty"`
}

// Decider is the access predicate. It never blocks on I/O and never fails.
type Decider struct {
	reg *registry.Registry
	gmm Membership
	obs Observer
}

func NewDecider(reg *registry.Registry, gmm Membership) *Decider {
	return &Decider{reg: reg, gmm: gmm}
}

// WithObserver sets the metrics observer.
func (d *Decider) WithObserver(o Observer) *Decider {
	d.obs = o
	return d
}

// MayAccess reports whether caller may use mod.
func (d *Decider) MayAccess(caller Caller, mod registry.Module) bool {
	return d.Explain(caller, mod).Allowed
}

// Explain returns the decision for caller and mod with its reason.
func (d *Decider) Explain(caller Caller, mod registry.Module) Decision {
	dec := d.decide(caller, mod)
	if d.obs != nil {
		label := string(mod)
		if !d.reg.Has(mod) {
			label = "unknown"
		}
		d.obs.AccessDecision(label, dec.Allowed)
	}
	return dec
}

func (d *Decider) decide(caller Caller, mod registry.Module) Decision {
	dec := Decision{Module: mod}
	switch {
	case !caller.Authenticated:
		dec.Reason = ReasonUnauthenticated
	case !d.reg.Has(mod):
		dec.Reason = ReasonUnknownModule
	case caller.Superuser:
		dec.Allowed, dec.Reason = true, ReasonSuperuser
	case d.reg.Disabled(mod):
		dec.Reason = ReasonDisabled
	default:
		dec.Groups = d.gmm.Matching(mod, caller.Groups)
		dec.Allowed = len(dec.Groups) > 0
		dec.Reason = ReasonNoGroup
		if dec.Allowed {
			dec.Reason = ReasonGroupMatch
		}
	}
	return dec
}
