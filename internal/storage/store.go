// Copyright 2024 Lix Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	_ "modernc.org/sqlite"

	"lix/internal/util"
)

// DefaultLockTimeout bounds how long a writer waits for the file lock.
const DefaultLockTimeout = 30 * time.Second

// Store is a SQLite-backed lix file.
type Store struct {
	path   string
	driver string
	db     *sql.DB
	bunDB  *BunDB
	lock   *flock.Flock
}

// Options configure Create and Open.
type Options struct {
	// Driver is DriverLibSQL (default) or DriverSQLite.
	Driver string
	// BusyTimeout in milliseconds; 0 uses LIX_BUSY_TIMEOUT or the default.
	BusyTimeout int
}

func (o Options) driver() string {
	if o.Driver == "" {
		return DriverLibSQL
	}
	return o.Driver
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	// Busy timeout first so journal_mode=WAL waits instead of failing.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	// Failure is non-fatal (may not be supported on all platforms).
	_ = execPragma(db, "PRAGMA mmap_size = 268435456")
	return nil
}

func openDB(path string, opts Options) (*sql.DB, error) {
	timeout := ResolveBusyTimeout(opts.BusyTimeout)
	db, err := sql.Open(opts.driver(), BuildDSN(path, opts.driver(), timeout))
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db, timeout); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Create creates a new lix file with the physical schema. Bootstrapping
// versions and built-in schemas is up to the engine.
func Create(path string, opts Options) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s", path)
	}

	db, err := openDB(path, opts)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	ctx := context.Background()
	if err := execStatements(ctx, db, lixSchema); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(ctx, db, initLixFile, SchemaVersion); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to initialize schema info: %w", err)
	}

	log.Debugf("[Store] created path=%s driver=%s", path, opts.driver())
	return newStore(path, opts.driver(), db), nil
}

// Open opens an existing lix file.
func Open(path string, opts Options) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	db, err := openDB(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := newStore(path, opts.driver(), db)
	fileType, err := s.bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "lix" {
		db.Close()
		return nil, fmt.Errorf("not a lix file (type=%s)", fileType)
	}
	log.Debugf("[Store] opened path=%s driver=%s", path, opts.driver())
	return s, nil
}

func newStore(path, driver string, db *sql.DB) *Store {
	return &Store{
		path:   path,
		driver: driver,
		db:     db,
		bunDB:  NewBunDB(db),
		lock:   flock.New(path + ".lock"),
	}
}

// Close checkpoints the WAL into the main database and closes the connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	// PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	rows, err := s.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		log.Warnf("[Store] WAL checkpoint failed: %v", err)
	} else {
		rows.Close()
	}

	err = s.db.Close()
	s.db = nil
	_ = s.lock.Close()
	return err
}

// Path returns the file path
func (s *Store) Path() string {
	return s.path
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BunDB returns the Bun database wrapper.
func (s *Store) BunDB() *BunDB {
	return s.bunDB
}

// Lock takes the cross-process write lock on <path>.lock, polling until
// ctx is done or timeout elapses.
func (s *Store) Lock(ctx context.Context, timeout time.Duration) error {
	return util.Retry(ctx, func() error {
		ok, err := s.lock.TryLock()
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrLockHeld
		}
		return nil
	}, util.LockRetryOptions(ctx, timeout)...)
}

// Unlock releases the cross-process write lock.
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

// RunInTx runs fn in one SQLite transaction. BEGIN is retried on transient
// lock errors; fn itself is never retried.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	tx, err := util.RetryWithResult(ctx, func() (bun.Tx, error) {
		return s.bunDB.BeginTx(ctx, nil)
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	var done bool
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	done = true
	return tx.Commit()
}

// EnsureSchema re-applies the idempotent DDL, creating tables that a file
// written by an older build lacks.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return execStatements(ctx, s.db, lixSchema)
}
