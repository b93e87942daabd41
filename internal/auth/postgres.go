package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"authgate.dev/internal/ids"
)

// PGStore implements Store on PostgreSQL via the pgx stdlib driver. Driver
// and connectivity failures surface as ErrStoreUnavailable so callers can
// distinguish transient infrastructure errors from terminal ones.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users() UserStore     { return &pgUserStore{db: s.db} }
func (s *PGStore) APIKeys() APIKeyStore { return &pgAPIKeyStore{db: s.db} }

var _ Store = (*PGStore)(nil)

// storeErr maps driver errors onto the package's error kinds.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// User store ---------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	groups, err := json.Marshal(u.Groups)
	if err != nil {
		return fmt.Errorf("%w: marshal groups", ErrInvalidInput)
	}
	_, err = s.db.ExecContext(ctx,
		`insert into users(id, username, email, name, password_hash, groups, active)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Username, u.Email, u.Name, u.PasswordHash, groups, u.Active,
	)
	return storeErr("create user", err)
}

const userColumns = `id, username, email, name, password_hash, groups, active, created_at, last_login_at`

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username)
	return scanUser(row)
}

func (s *pgUserStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `update users set active=$2 where id=$1`, id, active)
	if err != nil {
		return storeErr("set active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgUserStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update users set last_login_at=$2 where id=$1`, id, at)
	return storeErr("touch last login", err)
}

func (s *pgUserStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users`).Scan(&n); err != nil {
		return 0, storeErr("count users", err)
	}
	return n, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u      User
		name   sql.NullString
		groups []byte
		last   sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &name, &u.PasswordHash, &groups, &u.Active, &u.CreatedAt, &last)
	if err != nil {
		return nil, storeErr("scan user", err)
	}
	u.Name = name.String
	if len(groups) > 0 {
		_ = json.Unmarshal(groups, &u.Groups)
	}
	if last.Valid {
		t := last.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

// API key store --------------------------------------------------------------

type pgAPIKeyStore struct{ db *sql.DB }

func (s *pgAPIKeyStore) Create(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = ids.New()
	}
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return fmt.Errorf("%w: marshal scopes", ErrInvalidInput)
	}
	var expires sql.NullTime
	if k.ExpiresAt != nil {
		expires = sql.NullTime{Time: *k.ExpiresAt, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`insert into api_keys(id, user_id, key_hash, name, scopes, expires_at, revoked)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		k.ID, k.UserID, k.KeyHash, k.Name, scopes, expires, k.Revoked,
	)
	return storeErr("create api key", err)
}

const apiKeyColumns = `id, user_id, key_hash, name, scopes, expires_at, created_at, last_used_at, revoked`

func (s *pgAPIKeyStore) FindByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+apiKeyColumns+` from api_keys where key_hash=$1`, keyHash)
	return scanAPIKey(row)
}

func (s *pgAPIKeyStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update api_keys set revoked=true where id=$1`, id)
	if err != nil {
		return storeErr("revoke api key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgAPIKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `update api_keys set last_used_at=$2 where id=$1`, id, at)
	return storeErr("touch last used", err)
}

func (s *pgAPIKeyStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+apiKeyColumns+` from api_keys where user_id=$1 order by created_at asc`, userID)
	if err != nil {
		return nil, storeErr("list api keys", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKeyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanAPIKey(row *sql.Row) (*APIKey, error) {
	var (
		k       APIKey
		scopes  []byte
		expires sql.NullTime
		used    sql.NullTime
	)
	err := row.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Name, &scopes, &expires, &k.CreatedAt, &used, &k.Revoked)
	if err != nil {
		return nil, storeErr("scan api key", err)
	}
	fillAPIKey(&k, scopes, expires, used)
	return &k, nil
}

func scanAPIKeyRows(rows *sql.Rows) (*APIKey, error) {
	var (
		k       APIKey
		scopes  []byte
		expires sql.NullTime
		used    sql.NullTime
	)
	err := rows.Scan(&k.ID, &k.UserID, &k.KeyHash, &k.Name, &scopes, &expires, &k.CreatedAt, &used, &k.Revoked)
	if err != nil {
		return nil, storeErr("scan api key", err)
	}
	fillAPIKey(&k, scopes, expires, used)
	return &k, nil
}

func fillAPIKey(k *APIKey, scopes []byte, expires, used sql.NullTime) {
	if len(scopes) > 0 {
		_ = json.Unmarshal(scopes, &k.Scopes)
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if used.Valid {
		t := used.Time
		k.LastUsedAt = &t
	}
}
