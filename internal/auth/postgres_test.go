package auth

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGUserCreate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`insert into users`)).
		WithArgs(sqlmock.AnyArg(), "alice", "alice@example.com", "Alice", "hash", []byte(`["HR-Team"]`), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user := &User{
		Username:     "alice",
		Email:        "alice@example.com",
		Name:         "Alice",
		PasswordHash: "hash",
		Groups:       []string{"HR-Team"},
		Active:       true,
	}
	if err := store.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if user.ID == "" {
		t.Error("Create must assign an id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPGUserCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`insert into users`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Users().Create(context.Background(), &User{Username: "alice"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Create duplicate = %v, want ErrAlreadyExists", err)
	}
}

func TestPGUserFindByUsername(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	last := created.Add(time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "username", "email", "name", "password_hash", "groups", "active", "created_at", "last_login_at",
	}).AddRow("u1", "alice", "alice@example.com", "Alice", "hash", []byte(`["HR-Team"]`), true, created, last)

	mock.ExpectQuery(regexp.QuoteMeta(`from users where username=$1`)).
		WithArgs("alice").
		WillReturnRows(rows)

	user, err := store.Users().FindByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if user.ID != "u1" || user.Email != "alice@example.com" {
		t.Errorf("unexpected user: %+v", user)
	}
	if len(user.Groups) != 1 || user.Groups[0] != "HR-Team" {
		t.Errorf("groups = %v", user.Groups)
	}
	if user.LastLoginAt == nil || !user.LastLoginAt.Equal(last) {
		t.Errorf("last_login_at = %v, want %v", user.LastLoginAt, last)
	}
}

func TestPGUserFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`from users where id=$1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Users().Find(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Find missing = %v, want ErrNotFound", err)
	}
}

func TestPGUserFindStoreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`from users where username=$1`)).
		WithArgs("alice").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Users().FindByUsername(context.Background(), "alice")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("driver failure = %v, want ErrStoreUnavailable", err)
	}
}

func TestPGUserSetActive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`update users set active=$2 where id=$1`)).
		WithArgs("u1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Users().SetActive(context.Background(), "u1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`update users set active=$2 where id=$1`)).
		WithArgs("missing", false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Users().SetActive(context.Background(), "missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetActive missing = %v, want ErrNotFound", err)
	}
}

func TestPGUserCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`select count(*) from users`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.Users().Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestPGAPIKeyCreateAndFind(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`insert into api_keys`)).
		WithArgs(sqlmock.AnyArg(), "u1", "hash", "ci-key", []byte(`["api:hr:read"]`), sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key := &APIKey{UserID: "u1", KeyHash: "hash", Name: "ci-key", Scopes: []string{"api:hr:read"}}
	if err := store.APIKeys().Create(context.Background(), key); err != nil {
		t.Fatalf("Create: %v", err)
	}

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "key_hash", "name", "scopes", "expires_at", "created_at", "last_used_at", "revoked",
	}).AddRow(key.ID, "u1", "hash", "ci-key", []byte(`["api:hr:read"]`), nil, created, nil, false)

	mock.ExpectQuery(regexp.QuoteMeta(`from api_keys where key_hash=$1`)).
		WithArgs("hash").
		WillReturnRows(rows)

	got, err := store.APIKeys().FindByHash(context.Background(), "hash")
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if got.ID != key.ID || got.UserID != "u1" || got.Revoked {
		t.Errorf("unexpected key: %+v", got)
	}
	if got.ExpiresAt != nil || got.LastUsedAt != nil {
		t.Error("null timestamps must stay nil")
	}
}

func TestPGAPIKeyRevoke(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`update api_keys set revoked=true where id=$1`)).
		WithArgs("k1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.APIKeys().Revoke(context.Background(), "k1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`update api_keys set revoked=true where id=$1`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.APIKeys().Revoke(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Revoke missing = %v, want ErrNotFound", err)
	}
}

func TestPGAPIKeyListByUser(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "key_hash", "name", "scopes", "expires_at", "created_at", "last_used_at", "revoked",
	}).
		AddRow("k1", "u1", "h1", "first", []byte(`[]`), nil, created, nil, false).
		AddRow("k2", "u1", "h2", "second", []byte(`[]`), nil, created.Add(time.Hour), nil, true)

	mock.ExpectQuery(regexp.QuoteMeta(`from api_keys where user_id=$1`)).
		WithArgs("u1").
		WillReturnRows(rows)

	keys, err := store.APIKeys().ListByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len = %d, want 2", len(keys))
	}
	if keys[0].ID != "k1" || !keys[1].Revoked {
		t.Errorf("unexpected keys: %+v %+v", keys[0], keys[1])
	}
}
