package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/icebiz/modgate/internal/engine"
	"github.com/icebiz/modgate/internal/grants"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	allowed, denied int
	modules         []string
}

func (o *countingObserver) AccessDecision(module string, allowed bool) {
	o.modules = append(o.modules, module)
	if allowed {
		o.allowed++
	} else {
		o.denied++
	}
}

func newDecider(t *testing.T) (*Decider, *engine.Mapping) {
	t.Helper()
	reg := registry.New(registry.DefaultCatalog())
	m := engine.NewMapping(reg)
	_, err := m.Set(registry.ModuleAttendance, []string{"HR", "Managers"})
	require.NoError(t, err)
	_, err = m.Set(registry.ModuleCompanyConfig, []string{"Managers"})
	require.NoError(t, err)
	return NewDecider(reg, m), m
}

func TestMayAccess(t *testing.T) {
	d, _ := newDecider(t)

	hr := Caller{ID: "u1", Authenticated: true, Groups: []string{"HR"}}
	ops := Caller{ID: "u2", Authenticated: true, Groups: []string{"Ops"}}
	root := Caller{ID: "admin", Authenticated: true, Superuser: true}
	anon := Caller{Groups: []string{"HR"}, Superuser: true}

	tests := []struct {
		name   string
		caller Caller
		module registry.Module
		want   bool
	}{
		{"group member", hr, registry.ModuleAttendance, true},
		{"not a member", ops, registry.ModuleAttendance, false},
		{"other module", hr, registry.ModuleSales, false},
		{"superuser", root, registry.ModuleSales, true},
		{"unauthenticated even with flags", anon, registry.ModuleAttendance, false},
		{"unknown module", hr, "payroll", false},
		{"unknown module superuser", root, "payroll", false},
		{"empty-token module in mapping", Caller{Authenticated: true, Groups: []string{"Managers"}}, registry.ModuleCompanyConfig, true},
		{"empty-token module not in mapping", hr, registry.ModuleCompanyConfig, false},
		{"no groups", Caller{Authenticated: true}, registry.ModuleAttendance, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.MayAccess(tt.caller, tt.module))
		})
	}
}

func TestExplain(t *testing.T) {
	d, _ := newDecider(t)
	obs := &countingObserver{}
	d.WithObserver(obs)

	dec := d.Explain(Caller{Authenticated: true, Groups: []string{"Ops", "Managers", "HR"}}, registry.ModuleAttendance)
	assert.True(t, dec.Allowed)
	assert.Equal(t, ReasonGroupMatch, dec.Reason)
	assert.Equal(t, []string{"HR", "Managers"}, dec.Groups)

	dec = d.Explain(Anonymous(), registry.ModuleAttendance)
	assert.Equal(t, ReasonUnauthenticated, dec.Reason)

	dec = d.Explain(System(), "payroll")
	assert.Equal(t, ReasonUnknownModule, dec.Reason)

	assert.Equal(t, 1, obs.allowed)
	assert.Equal(t, 2, obs.denied)
	assert.Equal(t, "unknown", obs.modules[2])
}

func TestDisabledModuleIsDenied(t *testing.T) {
	reg := registry.New(registry.DefaultCatalog())
	drifted := registry.T("inventory", registry.ActionChange, "inventoryitem")
	store := grants.NewMemStore(reg.Universe().Minus(registry.NewTokenSet(drifted)))
	_, err := reg.Validate(context.Background(), store)
	require.NoError(t, err)

	m := engine.NewMapping(reg)
	m.Set(registry.ModuleInventory, []string{"Ops"})
	d := NewDecider(reg, m)

	dec := d.Explain(Caller{Authenticated: true, Groups: []string{"Ops"}}, registry.ModuleInventory)
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonDisabled, dec.Reason)
}

func TestDecisionFollowsMapping(t *testing.T) {
	d, m := newDecider(t)
	c := Caller{Authenticated: true, Groups: []string{"Sales"}}

	assert.False(t, d.MayAccess(c, registry.ModuleSales))
	m.Set(registry.ModuleSales, []string{"Sales"})
	assert.True(t, d.MayAccess(c, registry.ModuleSales))
}

func TestTokenParser(t *testing.T) {
	p := NewTokenParser("s3cret")

	raw, err := p.Issue(Caller{ID: "u1", Groups: []string{"HR"}}, time.Hour)
	require.NoError(t, err)

	c, err := p.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, Caller{ID: "u1", Authenticated: true, Groups: []string{"HR"}}, c)

	_, err = NewTokenParser("other").Parse(raw)
	assert.Error(t, err)

	expired, err := p.Issue(Caller{ID: "u1"}, -time.Minute)
	require.NoError(t, err)
	_, err = p.Parse(expired)
	assert.Error(t, err)

	_, err = NewTokenParser("").Parse(raw)
	assert.Error(t, err)
}

func TestRequireModuleMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d, _ := newDecider(t)
	p := NewTokenParser("s3cret")

	r := gin.New()
	r.Use(Authenticate(p))
	r.GET("/attendance", RequireModule(d, registry.ModuleAttendance), func(c *gin.Context) {
		c.String(http.StatusOK, CallerFrom(c).ID)
	})

	hrToken, _ := p.Issue(Caller{ID: "u1", Groups: []string{"HR"}}, time.Hour)
	opsToken, _ := p.Issue(Caller{ID: "u2", Groups: []string{"Ops"}}, time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"denied", "Bearer " + opsToken, http.StatusForbidden},
		{"allowed", "Bearer " + hrToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", "/attendance", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
