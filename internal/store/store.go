// Package store persists trust pins and the security audit trail in a
// per-instance SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/connectias/warden/internal/config"
)

const (
	defaultBusyTimeout        = 5 * time.Second
	defaultConnectionLifetime = 0 // unlimited
)

// Options describes parameters for opening a security store.
type Options struct {
	InstanceName string      // Logical instance name (defaults to config.DefaultInstance)
	DBPath       string      // Optional override for warden.db path (primarily for tests)
	ReadOnly     bool        // Open database in read-only mode
	Logger       *log.Logger // Optional; defaults to the standard logger
}

// Store provides access to the security database.
type Store struct {
	db           *sql.DB
	instanceName string
	dbPath       string
	readOnly     bool
	logger       *log.Logger
}

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

// Open initialises the security store for the given instance.
func Open(opts Options) (*Store, error) {
	if opts.InstanceName == "" {
		opts.InstanceName = config.DefaultInstance
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		instancePaths, err := config.EnsureInstanceDirs(opts.InstanceName)
		if err != nil {
			return nil, fmt.Errorf("store: ensure instance directories: %w", err)
		}
		dbPath = instancePaths.StoreDB
	}

	dsn := dbPath
	if opts.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(defaultConnectionLifetime)
	db.SetConnMaxIdleTime(defaultConnectionLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := applyPragmas(ctx, db, opts.ReadOnly); err != nil {
		db.Close()
		return nil, err
	}

	if !opts.ReadOnly {
		if err := applySchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		db:           db,
		instanceName: opts.InstanceName,
		dbPath:       dbPath,
		readOnly:     opts.ReadOnly,
		logger:       opts.Logger,
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path backing this store.
func (s *Store) Path() string {
	return s.dbPath
}
