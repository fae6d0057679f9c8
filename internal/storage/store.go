// Package storage is the PostgreSQL persistence layer. The database is the
// only authoritative shared state: credential selection stamps, cooldowns,
// quota counting and usage logs are all serialised through it.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"catiecli-go/internal/migrations"
)

const defaultTimeout = 5 * time.Second

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store wraps the SQL connection pool.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// Open connects to PostgreSQL, tunes the pool and applies migrations.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	if version, dirty, err := migrations.Version(db); err == nil {
		log.WithFields(log.Fields{"version": version, "dirty": dirty}).Info("database schema ready")
	}

	s := &Store{db: db, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewWithDB wraps an existing connection, for tests.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() time.Time { return s.nowFunc().UTC() }

// withTimeout bounds a single statement so a stuck database cannot pin a
// request goroutine.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultTimeout)
}

// Stats exposes pool statistics for the health endpoint.
func (s *Store) Stats() sql.DBStats { return s.db.Stats() }
