package grants

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/icebiz/modgate/internal/registry"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Groups(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT name FROM auth_group ORDER BY name").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Managers").AddRow("Ops"))

	groups, err := store.Groups(context.Background())
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 2 || groups[0] != "Managers" || groups[1] != "Ops" {
		t.Fatalf("expected [Managers Ops], got %v", groups)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GroupExists(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM auth_group WHERE name").
		WithArgs("Ops").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT id FROM auth_group WHERE name").
		WithArgs("Ghosts").
		WillReturnError(sql.ErrNoRows)

	ok, err := store.GroupExists(context.Background(), "Ops")
	if err != nil || !ok {
		t.Fatalf("expected Ops to exist, got %v (%v)", ok, err)
	}
	ok, err = store.GroupExists(context.Background(), "Ghosts")
	if err != nil || ok {
		t.Fatalf("expected Ghosts to be missing, got %v (%v)", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_Grants(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM auth_group WHERE name").
		WithArgs("Ops").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("FROM auth_group_permissions gp").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"app_label", "codename"}).
			AddRow("inventory", "view_inventoryitem").
			AddRow("auth", "change_user"))

	tokens, err := store.Grants(context.Background(), "Ops")
	if err != nil {
		t.Fatalf("grants: %v", err)
	}
	if !tokens.Has(registry.MustParseToken("inventory.view_inventoryitem")) || !tokens.Has(registry.MustParseToken("auth.change_user")) {
		t.Fatalf("unexpected grants: %v", tokens.Strings())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_GrantsUnknownGroup(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM auth_group WHERE name").
		WithArgs("Ghosts").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Grants(context.Background(), "Ghosts")
	if !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestPostgresStore_AddGrant(t *testing.T) {
	store, mock := newMockStore(t)
	tok := registry.MustParseToken("inventory.change_inventoryitem")

	mock.ExpectQuery("SELECT id FROM auth_group WHERE name").
		WithArgs("Ops").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT p.id").
		WithArgs("inventory", "change_inventoryitem").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectExec("INSERT INTO auth_group_permissions").
		WithArgs(int64(3), int64(41)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.AddGrant(context.Background(), "Ops", tok); err != nil {
		t.Fatalf("add grant: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_AddGrantUnregisteredToken(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM auth_group WHERE name").
		WithArgs("Ops").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT p.id").
		WithArgs("inventory", "view_inventory").
		WillReturnError(sql.ErrNoRows)

	err := store.AddGrant(context.Background(), "Ops", registry.MustParseToken("inventory.view_inventory"))
	if !errors.Is(err, ErrTokenNotRegistered) {
		t.Fatalf("expected ErrTokenNotRegistered, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_RemoveGrant(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id FROM auth_group WHERE name").
		WithArgs("Ops").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT p.id").
		WithArgs("billing", "view_invoice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("DELETE FROM auth_group_permissions").
		WithArgs(int64(3), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RemoveGrant(context.Background(), "Ops", registry.MustParseToken("billing.view_invoice")); err != nil {
		t.Fatalf("remove grant: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_KnownTokens(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM auth_permission p").
		WillReturnRows(sqlmock.NewRows([]string{"app_label", "codename"}).
			AddRow("sales", "view_sale").
			AddRow("sales", "add_sale").
			AddRow("", "broken"))

	tokens, err := store.KnownTokens(context.Background())
	if err != nil {
		t.Fatalf("known tokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %v", tokens.Strings())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_QueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT name FROM auth_group").
		WillReturnError(errors.New("connection reset"))

	if _, err := store.Groups(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
