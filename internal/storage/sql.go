package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/role"
)

// Dialect selects placeholder syntax for SQLStorage.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

var _ Storage = (*SQLStorage)(nil)

// SQLStorage persists profiles and entities through database/sql.
// Timestamps are stored as unix milliseconds so both dialects scan them
// the same way.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected')),
		owner_ref TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS entities_status_created ON entities (status, created_at)`,
}

// NewSQLiteStorage opens (or creates) the SQLite database at dsn.
func NewSQLiteStorage(ctx context.Context, dsn string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := NewSQLStorageWithDB(db, DialectSQLite)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStorage connects to Postgres through the pgx stdlib driver.
func NewPostgresStorage(ctx context.Context, dsn string) (*SQLStorage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewSQLStorageWithDB(db, DialectPostgres)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStorageWithDB wraps an existing handle without running migrations.
func NewSQLStorageWithDB(db *sql.DB, dialect Dialect) *SQLStorage {
	return &SQLStorage{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStorage) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

const profileColumns = `id, provider_id, display_name, role, created_at`

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	var (
		p         Profile
		roleStr   string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.ProviderID, &p.DisplayName, &roleStr, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	p.Role = role.Parse(roleStr)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &p, nil
}

func (s *SQLStorage) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return scanProfile(s.queryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id))
}

func (s *SQLStorage) GetProfileByProviderID(ctx context.Context, providerID string) (*Profile, error) {
	return scanProfile(s.queryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE provider_id = ?`, providerID))
}

// EnsureProfile relies on the unique provider_id constraint, so concurrent
// first logins for the same user converge on one row.
func (s *SQLStorage) EnsureProfile(ctx context.Context, providerID, displayName string) (*Profile, bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?) ON CONFLICT (provider_id) DO NOTHING`,
		uuid.NewString(), providerID, displayName, string(role.User), s.now().UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert profile: %w", err)
	}

	p, err := s.GetProfileByProviderID(ctx, providerID)
	if err != nil {
		return nil, false, err
	}
	if affected > 0 {
		log.LogInfoWithFields("storage", "Created profile", map[string]any{
			"profile_id":  p.ID,
			"provider_id": providerID,
		})
	}
	return p, affected > 0, nil
}

func (s *SQLStorage) SetRole(ctx context.Context, providerID string, r role.Role) error {
	res, err := s.exec(ctx, `UPDATE profiles SET role = ? WHERE provider_id = ?`, string(r), providerID)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

const entityColumns = `id, status, owner_ref, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var (
		e                    Entity
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &status, &e.OwnerRef, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.Status = Status(status)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

func (s *SQLStorage) CreateEntity(ctx context.Context, ownerRef string) (*Entity, error) {
	now := s.now().UnixMilli()
	e := &Entity{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		OwnerRef:  ownerRef,
		CreatedAt: time.UnixMilli(now).UTC(),
		UpdatedAt: time.UnixMilli(now).UTC(),
	}
	if _, err := s.exec(ctx,
		`INSERT INTO entities (`+entityColumns+`) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Status), e.OwnerRef, now, now); err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	return e, nil
}

func (s *SQLStorage) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return scanEntity(s.queryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id))
}

func (s *SQLStorage) ListPending(ctx context.Context, limit int) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+entityColumns+` FROM entities WHERE status = ? ORDER BY created_at, id LIMIT ?`),
		string(StatusPending), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entities: %w", err)
	}
	defer rows.Close()

	entities := make([]Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pending entities: %w", err)
	}
	return entities, nil
}

// TransitionStatus is a single conditional UPDATE; zero affected rows means
// another writer got there first or the entity doesn't exist.
func (s *SQLStorage) TransitionStatus(ctx context.Context, id string, from, to Status) (*Entity, error) {
	res, err := s.exec(ctx,
		`UPDATE entities SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now().UnixMilli(), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("failed to update entity status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update entity status: %w", err)
	}

	if affected == 0 {
		if _, err := s.GetEntity(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	return s.GetEntity(ctx, id)
}

// Ping checks the database connection.
func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}
