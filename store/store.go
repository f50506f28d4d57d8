// Package store implements the package repository store (component C2): a
// typed record store over packages, their dependencies, provided content,
// and signatures, backed by an embedded relational database.
//
// The backing engine is github.com/mattn/go-sqlite3 through database/sql,
// one file per repository (installed store or one available repository).
// Concurrency is multiple-readers/one-writer, enforced with a sync.RWMutex
// guard around the shared *sql.DB handle, mirroring the reader/writer cache
// layer the teacher places in front of its SourceManager (sm_cache.go).
package store

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/entropy-pm/entropy/entropyerr"
)

// Store is one repository's package database: either the single installed
// store, or one available repository. A Store is safe for concurrent use by
// multiple readers; writers are serialized against both readers and other
// writers by guard.
type Store struct {
	db     *sql.DB
	guard  sync.RWMutex
	path   string
	log    zerolog.Logger

	// Installed marks the one store in a Repositories set that is the
	// installed-packages store rather than an available repository
	// (data model §3, "Repository set").
	Installed bool

	// RepositoryID identifies this store within a Repositories set. When
	// several stores match a dependency, the solver picks the one with the
	// lowest RepositoryID.
	RepositoryID int
	// Priority is carried on the store but not read by AtomMatch or the
	// solver.
	Priority int
}

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	package_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	category          TEXT NOT NULL,
	name              TEXT NOT NULL,
	version           TEXT NOT NULL DEFAULT '',
	revision          INTEGER NOT NULL DEFAULT 0,
	slot              TEXT NOT NULL DEFAULT '',
	tag               TEXT NOT NULL DEFAULT '',
	size              INTEGER NOT NULL DEFAULT 0,
	download_url      TEXT NOT NULL DEFAULT '',
	artifact_checksum TEXT NOT NULL DEFAULT '',
	install_source    TEXT NOT NULL DEFAULT 'unknown',
	spm_uid           TEXT NOT NULL DEFAULT '',
	date_installed    INTEGER NOT NULL DEFAULT 0,
	repository_of_origin TEXT NOT NULL DEFAULT '',
	system_critical   INTEGER NOT NULL DEFAULT 0,
	world             INTEGER NOT NULL DEFAULT 0,
	UNIQUE(category, name, slot)
);

CREATE TABLE IF NOT EXISTS dependencies (
	package_id INTEGER NOT NULL,
	dep_string TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
	package_id INTEGER NOT NULL,
	dep_string TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS provides (
	package_id INTEGER NOT NULL,
	virtual    TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS libraries (
	package_id INTEGER NOT NULL,
	soname     TEXT NOT NULL,
	path       TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS needed (
	package_id INTEGER NOT NULL,
	soname     TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS content (
	package_id INTEGER NOT NULL,
	path       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);
CREATE INDEX IF NOT EXISTS idx_content_path ON content(path);
CREATE INDEX IF NOT EXISTS idx_content_package ON content(package_id);

CREATE TABLE IF NOT EXISTS content_safety (
	package_id INTEGER NOT NULL,
	path       TEXT NOT NULL,
	mtime      INTEGER NOT NULL,
	sha256     TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS signatures (
	package_id INTEGER NOT NULL,
	sha1       TEXT NOT NULL DEFAULT '',
	sha256     TEXT NOT NULL DEFAULT '',
	sha512     TEXT NOT NULL DEFAULT '',
	gpg        BLOB,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS triggers (
	package_id INTEGER NOT NULL,
	name       TEXT NOT NULL,
	script     BLOB NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);

CREATE TABLE IF NOT EXISTS automerge_files (
	package_id INTEGER NOT NULL,
	destination_path TEXT NOT NULL,
	md5        TEXT NOT NULL,
	FOREIGN KEY(package_id) REFERENCES packages(package_id)
);
`

// Open opens (creating if absent) the SQLite-backed store at path.
func Open(path string, installed bool, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, entropyerr.Wrap(entropyerr.IoError, err, "opening store at "+path)
	}
	// The installed store in particular is mutated only by the orchestrator
	// goroutine (§5 shared-resource policy); one connection is enough and
	// keeps SQLite's own locking out of the picture entirely.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, entropyerr.Wrap(entropyerr.IoError, err, "initializing schema at "+path)
	}

	return &Store{db: db, path: path, Installed: installed, log: log.With().Str("store", path).Logger()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Commit flushes pending writes so that readers see either the pre- or
// post-commit state, never partial rows (invariant 5). Because every
// HandlePackage call already runs inside its own *sql.Tx, Commit here is a
// best-effort WAL checkpoint rather than a separate pending transaction —
// it exists to satisfy the contract's explicit Commit() operation and to
// give callers an obvious point to flush before releasing the resource lock.
func (s *Store) Commit() error {
	s.guard.Lock()
	defer s.guard.Unlock()
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "checkpointing store")
	}
	return nil
}

// withRead runs fn holding the reader side of the guard, allowing any number
// of concurrent readers provided no writer is in flight.
func (s *Store) withRead(fn func() error) error {
	s.guard.RLock()
	defer s.guard.RUnlock()
	return fn()
}

// withWrite runs fn holding the writer side of the guard, excluding both
// other writers and all readers.
func (s *Store) withWrite(fn func() error) error {
	s.guard.Lock()
	defer s.guard.Unlock()
	return fn()
}

var errNoRows = errors.New("store: no matching rows")
