package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrPathRequired is returned when the sqlite path is missing.
	ErrPathRequired = errors.New("storage path must be configured")
	// ErrDuplicateSignature reports that a message already carries the transaction signature.
	ErrDuplicateSignature = errors.New("transaction signature already used")
	// ErrNoActiveChallenge is returned when no challenge is active.
	ErrNoActiveChallenge = errors.New("no active challenge")
	// ErrChallengeNotFound is returned when no challenge exists at all.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExists is returned when an active challenge already uses the title.
	ErrChallengeExists = errors.New("active challenge with this title already exists")
)

// Options selects and tunes the backing database.
type Options struct {
	Driver       string
	DSN          string
	Path         string
	MaxOpenConns int
	LogLevel     logger.LogLevel
}

// Store is the gorm-backed persistence layer for challenges, messages and the attempt ledger.
type Store struct {
	db       *gorm.DB
	defaults AttemptDefaults
}

// Open connects to postgres or sqlite and runs the schema migration.
func Open(ctx context.Context, opts Options, defaults AttemptDefaults) (*Store, error) {
	dialector, err := dialectorFor(opts)
	if err != nil {
		return nil, err
	}
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("database handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	store := New(db, defaults)
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing gorm handle. Callers must run Migrate before use.
func New(db *gorm.DB, defaults AttemptDefaults) *Store {
	return &Store{db: db, defaults: defaults}
}

func dialectorFor(opts Options) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "postgres", "postgresql":
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, errors.New("postgres dsn must be configured")
		}
		return postgres.Open(opts.DSN), nil
	case "", "sqlite":
		dsn := strings.TrimSpace(opts.DSN)
		if dsn == "" {
			var err error
			if dsn, err = FileDSN(opts.Path); err != nil {
				return nil, err
			}
		}
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}

// Migrate creates or updates the tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Challenge{}, &Message{}, &AttemptLedger{}); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation recognises duplicate-key failures from either dialect, translated or not.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}
