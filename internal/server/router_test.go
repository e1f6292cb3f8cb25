package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/icebiz/modgate/internal/access"
	"github.com/icebiz/modgate/internal/apperr"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/icebiz/modgate/internal/vault"
	"github.com/icebiz/modgate/pkg/schema"
)

// fakeAdmin records what the router asked for.
type fakeAdmin struct {
	mu      sync.Mutex
	actors  []access.Caller
	updated map[string]map[registry.Module]bool
	flushes int
	failAll error
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{updated: make(map[string]map[registry.Module]bool)}
}

func (f *fakeAdmin) seen(actor access.Caller) {
	f.mu.Lock()
	f.actors = append(f.actors, actor)
	f.mu.Unlock()
}

func (f *fakeAdmin) ListModules(ctx context.Context, actor access.Caller) (schema.Listing, error) {
	f.seen(actor)
	return schema.Listing{Seq: 7, Modules: map[string][]string{"sales": {"Sales"}}}, f.failAll
}

func (f *fakeAdmin) UpdateGroupModules(ctx context.Context, actor access.Caller, group string, m map[registry.Module]bool) (schema.UpdateResult, error) {
	f.seen(actor)
	if f.failAll != nil {
		return schema.UpdateResult{}, f.failAll
	}
	if _, ok := m["payroll"]; ok {
		return schema.UpdateResult{}, apperr.Newf(apperr.KindUnknownModule, "unknown module %q", "payroll")
	}
	f.mu.Lock()
	f.updated[group] = m
	f.mu.Unlock()
	return schema.UpdateResult{Group: group, Seq: 8, Persisted: true}, nil
}

func (f *fakeAdmin) DeleteGroup(ctx context.Context, actor access.Caller, group string) (schema.UpdateResult, error) {
	f.seen(actor)
	if group == "Ghosts" {
		return schema.UpdateResult{}, apperr.Newf(apperr.KindUnknownGroup, "group %q does not exist", group)
	}
	return schema.UpdateResult{Group: group, Seq: 9, Persisted: true}, nil
}

func (f *fakeAdmin) ReconcileAll(ctx context.Context, actor access.Caller) (schema.ReconcileResult, error) {
	f.seen(actor)
	return schema.ReconcileResult{Added: 2}, nil
}

func (f *fakeAdmin) Flush(ctx context.Context, actor access.Caller) error {
	f.seen(actor)
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
	return nil
}

func (f *fakeAdmin) Status() schema.Status {
	return schema.Status{State: "idle", Seq: 7}
}

func startRouter(t *testing.T, router *Router) string {
	t.Helper()
	go router.Listen("127.0.0.1:0")

	// Wait a bit for listener to be set
	var addr string
	for i := 0; i < 20; i++ {
		time.Sleep(25 * time.Millisecond)
		router.mu.Lock()
		if router.listener != nil {
			addr = router.listener.Addr().String()
			router.mu.Unlock()
			break
		}
		router.mu.Unlock()
	}
	if addr == "" {
		t.Fatalf("Server did not start in time")
	}
	t.Cleanup(func() { router.Stop() })
	return addr
}

func exchange(t *testing.T, conn net.Conn, reader *bufio.Reader, line string) string {
	t.Helper()
	fmt.Fprintf(conn, "%s\n", line)
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply to %q: %v", line, err)
	}
	return strings.TrimSuffix(reply, "\n")
}

func TestRouter_Commands(t *testing.T) {
	admin := newFakeAdmin()
	addr := startRouter(t, NewRouter(admin, nil))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	cases := []struct {
		send string
		want string
	}{
		{"PING", "PONG"},
		{"ping", "PONG"},
		{"LIST", `OK {"seq":7,"modules":{"sales":["Sales"]}}`},
		{"SEQ", "OK 7"},
		{"STATUS", `OK {"state":"idle","seq":7,"dirty":false,"read_only":false}`},
		{`UPDATE {"group": "Test Group", "modules": {"sales": true}}`, `OK {"group":"Test Group","modules":null,"changes":null,"seq":8,"persisted":true}`},
		{"DELETE_GROUP HR Payrol", `OK {"group":"HR Payrol","modules":null,"changes":null,"seq":9,"persisted":true}`},
		{"RECONCILE", `OK {"added":2,"removed":0,"skipped":0,"failed":0}`},
		{"FLUSH", "OK"},
	}
	for _, tc := range cases {
		if got := exchange(t, conn, reader, tc.send); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.send, tc.want, got)
		}
	}

	if m := admin.updated["Test Group"]; !m[registry.ModuleSales] {
		t.Errorf("Expected the group name with a space to arrive intact, got %v", admin.updated)
	}
	for _, a := range admin.actors {
		if a.ID != access.System().ID || !a.Superuser {
			t.Errorf("Commands must run as the system caller, got %+v", a)
		}
	}
}

func TestRouter_Errors(t *testing.T) {
	admin := newFakeAdmin()
	addr := startRouter(t, NewRouter(admin, nil))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	cases := []struct {
		send   string
		prefix string
	}{
		{`UPDATE {"group": "HR", "modules": {"payroll": true}}`, "ERR UNKNOWN_MODULE "},
		{"UPDATE {invalid}", "ERR INVALID_PARAM invalid json payload"},
		{"DELETE_GROUP Ghosts", "ERR UNKNOWN_GROUP "},
		{"GET p1 a1 k1", "ERR INVALID_PARAM unknown command GET"},
	}
	for _, tc := range cases {
		if got := exchange(t, conn, reader, tc.send); !strings.HasPrefix(got, tc.prefix) {
			t.Errorf("%s: expected prefix %q, got %q", tc.send, tc.prefix, got)
		}
	}

	// The connection survives errors.
	if got := exchange(t, conn, reader, "PING"); got != "PONG" {
		t.Errorf("Expected PONG, got %q", got)
	}
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	addr := startRouter(t, NewRouter(newFakeAdmin(), nil))

	conns := make([]net.Conn, 0)
	for i := 0; i < maxConns+10; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conns = append(conns, conn)
		}
	}
	for _, c := range conns {
		c.Close()
	}

	// The server still answers once the burst is gone.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	if got := exchange(t, conn, bufio.NewReader(conn), "PING"); got != "PONG" {
		t.Errorf("Expected PONG, got %q", got)
	}
}

func TestRouter_TLS(t *testing.T) {
	cert, err := vault.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	router := NewRouter(newFakeAdmin(), nil)
	router.SetCertificate(cert)
	addr := startRouter(t, router)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	if got := exchange(t, conn, bufio.NewReader(conn), "SEQ"); got != "OK 7" {
		t.Errorf("Expected OK 7, got %q", got)
	}
}

func TestRouter_StopBeforeListen(t *testing.T) {
	router := NewRouter(newFakeAdmin(), nil)
	router.Stop()
	if err := router.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen after Stop returned %v", err)
	}
	if router.Addr() != nil {
		t.Error("A stopped router must not bind")
	}
}
