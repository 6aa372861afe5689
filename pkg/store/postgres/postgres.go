// Package postgres implements store.Storage durably against PostgreSQL,
// for multi-instance deployments where the default filestore's local disk
// isn't shared. Connection pooling and the migration runner are grounded on
// the teacher's pkg/database/client.go; unlike the teacher this package
// talks to the database directly via pgx instead of through ent (see
// DESIGN.md for why ent itself was dropped — it requires code generation
// this environment cannot run).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/relaycore/sessioncore/pkg/model"
	"github.com/relaycore/sessioncore/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds Postgres connection settings, mirroring the teacher's
// database.Config shape.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	ConnMaxLifetime time.Duration
}

func (cfg Config) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}

// Storage implements store.Storage on top of a pgx connection pool.
type Storage struct {
	pool *pgxpool.Pool
}

// New opens a pool, runs migrations over a plain database/sql connection,
// and returns a ready Storage backed by the pool for steady-state queries.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	dsn := cfg.dsn()

	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Storage{pool: pool}, nil
}

func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sessioncore", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Storage) Close() { s.pool.Close() }

// Persist upserts the session snapshot as a single JSONB document, keyed by
// session id — the simplest durable shape that preserves the in-process
// model.Session round-trip exactly.
func (s *Storage) Persist(ctx context.Context, snapshot *model.Session) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("postgres: marshal %s: %w", snapshot.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, issue_id, updated_at, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			issue_id = EXCLUDED.issue_id,
			updated_at = EXCLUDED.updated_at,
			document = EXCLUDED.document
	`, snapshot.ID, snapshot.IssueID, snapshot.UpdatedAt, payload)
	if err != nil {
		return fmt.Errorf("postgres: upsert %s: %w", snapshot.ID, err)
	}
	return nil
}

// Load reads a session snapshot back by id.
func (s *Storage) Load(ctx context.Context, sessionID string) (*model.Session, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM sessions WHERE id = $1`, sessionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load %s: %w", sessionID, err)
	}
	var sess model.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal %s: %w", sessionID, err)
	}
	return &sess, nil
}

// List returns every persisted session id.
func (s *Storage) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sessions ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Remove deletes a persisted session.
func (s *Storage) Remove(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: remove %s: %w", sessionID, err)
	}
	return nil
}
