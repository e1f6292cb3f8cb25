package sdk_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/icebiz/modgate/internal/admin"
	"github.com/icebiz/modgate/internal/engine"
	"github.com/icebiz/modgate/internal/grants"
	"github.com/icebiz/modgate/internal/reconcile"
	"github.com/icebiz/modgate/internal/registry"
	"github.com/icebiz/modgate/internal/server"
	"github.com/icebiz/modgate/internal/vault"
	"github.com/icebiz/modgate/pkg/sdk"
)

// startDaemon runs a real service behind a control socket.
func startDaemon(t *testing.T, withTLS bool) (string, *grants.MemStore) {
	t.Helper()
	reg := registry.New(registry.DefaultCatalog())
	store := grants.NewMemStore(reg.Universe())
	store.CreateGroup("Ops")
	store.CreateGroup("Test Group")

	persist, err := engine.NewPersistence(filepath.Join(t.TempDir(), "module_permissions.json"), nil, time.Second)
	if err != nil {
		t.Fatalf("persistence: %v", err)
	}
	gmm := engine.NewMapping(reg)
	svc := admin.NewService(reg, gmm, persist, store, reconcile.New(reg, store, gmm, nil), admin.Options{}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	router := server.NewRouter(svc, nil)
	if withTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			t.Fatalf("cert: %v", err)
		}
		router.SetCertificate(cert)
	}
	go router.Listen("127.0.0.1:0")
	t.Cleanup(func() { router.Stop() })

	for i := 0; i < 40; i++ {
		if addr := router.Addr(); addr != nil {
			return addr.String(), store
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("Server did not start in time")
	return "", nil
}

func TestClient_Integration(t *testing.T) {
	addr, store := startDaemon(t, false)

	t.Setenv("MODGATE_DISABLE_TLS", "true")
	client, err := sdk.Connect(addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	res, err := client.UpdateGroupModules("Ops", map[string]bool{"inventory": true})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !res.Persisted || res.Seq != 1 {
		t.Errorf("Unexpected result: %+v", res)
	}

	got, _ := store.Grants(context.Background(), "Ops")
	if !got.Has(registry.T("inventory", registry.ActionChange, "inventoryitem")) {
		t.Errorf("Expected inventory grants for Ops, got %v", got.Strings())
	}

	listing, err := client.ListModules()
	if err != nil || len(listing.Modules["inventory"]) != 1 {
		t.Errorf("List failed: %+v, %v", listing, err)
	}

	seq, err := client.Seq()
	if err != nil || seq != 1 {
		t.Errorf("Seq = %d, %v", seq, err)
	}

	if _, err := client.UpdateGroupModules("Test Group", map[string]bool{"sales": true}); err != nil {
		t.Errorf("Group names with spaces must work: %v", err)
	}
	if _, err := client.DeleteGroup("Test Group"); err != nil {
		t.Errorf("Delete failed: %v", err)
	}

	if _, err := client.Reconcile(); err != nil {
		t.Errorf("Reconcile failed: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
	status, err := client.Status()
	if err != nil || status.State != "idle" || status.Dirty {
		t.Errorf("Status = %+v, %v", status, err)
	}
}

func TestClient_Errors(t *testing.T) {
	addr, _ := startDaemon(t, false)

	client, err := sdk.ConnectWith(addr, sdk.Options{DisableTLS: true})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	_, err = client.UpdateGroupModules("Ops", map[string]bool{"payroll": true})
	if !errors.Is(err, sdk.ErrUnknownModule) {
		t.Errorf("Expected ErrUnknownModule, got %v", err)
	}

	_, err = client.DeleteGroup("Ghosts")
	if !errors.Is(err, sdk.ErrUnknownGroup) {
		t.Errorf("Expected ErrUnknownGroup, got %v", err)
	}

	if _, err := client.DeleteGroup("bad\nname"); err == nil {
		t.Error("Expected line breaks to be rejected")
	}

	// ERR replies do not break the connection.
	if err := client.Ping(); err != nil {
		t.Errorf("Ping after errors failed: %v", err)
	}
}

func TestClient_TLS(t *testing.T) {
	addr, _ := startDaemon(t, true)

	client, err := sdk.ConnectWith(addr, sdk.Options{})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	if _, err := client.ListModules(); err != nil {
		t.Errorf("List over TLS failed: %v", err)
	}
}

func TestClient_RetryLogic(t *testing.T) {
	reg := registry.New(registry.DefaultCatalog())
	store := grants.NewMemStore(reg.Universe())
	persist, _ := engine.NewPersistence(filepath.Join(t.TempDir(), "doc.json"), nil, time.Second)
	gmm := engine.NewMapping(reg)
	svc := admin.NewService(reg, gmm, persist, store, reconcile.New(reg, store, gmm, nil), admin.Options{}, nil)
	router := server.NewRouter(svc, nil)
	go router.Listen("127.0.0.1:0")

	var addr string
	for i := 0; i < 40 && addr == ""; i++ {
		time.Sleep(25 * time.Millisecond)
		if a := router.Addr(); a != nil {
			addr = a.String()
		}
	}
	if addr == "" {
		t.Fatalf("Server did not start in time")
	}

	client, err := sdk.ConnectWith(addr, sdk.Options{DisableTLS: true})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	// Stop accepting; the established connection still answers.
	router.Stop()
	if err := client.Ping(); err != nil {
		t.Errorf("Established connection should survive Stop: %v", err)
	}

	// A dead daemon surfaces as an error after the retries, not a panic.
	dead, err := sdk.ConnectWith("127.0.0.1:1", sdk.Options{DisableTLS: true})
	if err == nil {
		dead.Close()
		t.Fatal("Expected connect to a closed port to fail")
	}
}
