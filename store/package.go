package store

import (
	"database/sql"
	"time"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/entropyerr"
)

// ContentKind classifies one entry in a package's content set.
type ContentKind string

const (
	KindFile ContentKind = "file"
	KindDir  ContentKind = "dir"
	KindSym  ContentKind = "sym"
)

// ContentEntry is one (path, kind) pair from a package's content set.
type ContentEntry struct {
	Path string
	Kind ContentKind
}

// ContentSafety is the per-file (mtime, sha256) pair recorded at install
// time for change detection.
type ContentSafety struct {
	Path   string
	MTime  int64
	SHA256 string
}

// Signatures holds the digest and optional detached-GPG verification data
// for a package's artifact.
type Signatures struct {
	SHA1   string
	SHA256 string
	SHA512 string
	GPG    []byte
}

// InstallSource tags why a package was installed, used by the solver's
// Orphaned() heuristic.
type InstallSource string

const (
	SourceExplicit   InstallSource = "explicit"
	SourceDependency InstallSource = "dependency"
	SourceUnknown    InstallSource = "unknown"
)

// Trigger is one named, executable hook bundle (e.g. "preinstall",
// "postinstall").
type Trigger struct {
	Name   string
	Script []byte
}

// PackageRecord is the full row set for one package_id, gathered from the
// packages table plus its child tables. It is both what HandlePackage
// writes and what RetrieveContent/etc. are queried against.
type PackageRecord struct {
	PackageID int64 // 0 when not yet assigned (pre-insert)

	Atom atom.Atom

	Dependencies []atom.Dependency
	Conflicts    []atom.Dependency
	Provides     []string // provided virtuals

	Libraries []Library // soname -> path
	Needed    []string  // sonames this package requires at runtime

	Content       []ContentEntry
	ContentSafety []ContentSafety
	Signatures    Signatures

	Size             int64
	DownloadURL      string
	ArtifactChecksum string

	Triggers []Trigger

	InstallSource InstallSource

	// Installed-record-only fields (data model §3, "Installed record").
	SPMUID              string
	DateInstalled        time.Time
	RepositoryOfOrigin   string
	SystemCritical       bool
	World                bool
}

// Library is one soname provided by a package, with the path it installs to.
type Library struct {
	Soname string
	Path   string
}

// HandlePackage atomically inserts a full record, matching the teacher's
// model of a staged payload committed in one transaction (txn_writer.go's
// SafeWriter, generalized here to one SQL transaction per package so that
// invariant 5 — no partial content rows visible — holds mechanically: a
// reader never sees a content row whose owning packages row isn't already
// committed, because both are written in the same *sql.Tx).
func (s *Store) HandlePackage(rec *PackageRecord) (int64, error) {
	var id int64
	err := s.withWrite(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "beginning handle_package transaction")
		}
		defer tx.Rollback() //nolint:errcheck

		_, err = tx.Exec(`INSERT INTO packages
			(category, name, version, revision, slot, tag, size, download_url,
			 artifact_checksum, install_source, spm_uid, date_installed,
			 repository_of_origin, system_critical, world)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(category, name, slot) DO UPDATE SET
				version=excluded.version, revision=excluded.revision,
				tag=excluded.tag, size=excluded.size,
				download_url=excluded.download_url,
				artifact_checksum=excluded.artifact_checksum,
				install_source=excluded.install_source,
				spm_uid=excluded.spm_uid, date_installed=excluded.date_installed,
				repository_of_origin=excluded.repository_of_origin,
				system_critical=excluded.system_critical, world=excluded.world`,
			rec.Atom.Category, rec.Atom.Name, rec.Atom.Version.String(), rec.Atom.Revision,
			rec.Atom.Slot, rec.Atom.Tag, rec.Size, rec.DownloadURL, rec.ArtifactChecksum,
			string(rec.InstallSource), rec.SPMUID, rec.DateInstalled.Unix(),
			rec.RepositoryOfOrigin, boolToInt(rec.SystemCritical), boolToInt(rec.World))
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting package row")
		}

		// ON CONFLICT UPDATE doesn't report a useful LastInsertId on sqlite3
		// (it keeps the rowid of the connection's previous insert); look the
		// row back up by its unique key.
		row := tx.QueryRow(`SELECT package_id FROM packages WHERE category=? AND name=? AND slot=?`,
			rec.Atom.Category, rec.Atom.Name, rec.Atom.Slot)
		if scanErr := row.Scan(&id); scanErr != nil {
			return entropyerr.Wrap(entropyerr.IoError, scanErr, "resolving package_id after upsert")
		}
		rec.PackageID = id

		if err := clearChildRows(tx, id); err != nil {
			return err
		}
		if err := insertChildRows(tx, id, rec); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "committing handle_package transaction")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func clearChildRows(tx *sql.Tx, id int64) error {
	for _, table := range []string{"dependencies", "conflicts", "provides", "libraries", "needed", "content", "content_safety", "signatures", "triggers"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE package_id=?", id); err != nil {
			return entropyerr.Wrapf(entropyerr.IoError, err, "clearing %s for package_id %d", table, id)
		}
	}
	return nil
}

func insertChildRows(tx *sql.Tx, id int64, rec *PackageRecord) error {
	for _, d := range rec.Dependencies {
		if _, err := tx.Exec("INSERT INTO dependencies(package_id, dep_string) VALUES (?,?)", id, formatDependency(d)); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting dependency")
		}
	}
	for _, c := range rec.Conflicts {
		if _, err := tx.Exec("INSERT INTO conflicts(package_id, dep_string) VALUES (?,?)", id, formatDependency(c)); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting conflict")
		}
	}
	for _, v := range rec.Provides {
		if _, err := tx.Exec("INSERT INTO provides(package_id, virtual) VALUES (?,?)", id, v); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting provided virtual")
		}
	}
	for _, l := range rec.Libraries {
		if _, err := tx.Exec("INSERT INTO libraries(package_id, soname, path) VALUES (?,?,?)", id, l.Soname, l.Path); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting library")
		}
	}
	for _, n := range rec.Needed {
		if _, err := tx.Exec("INSERT INTO needed(package_id, soname) VALUES (?,?)", id, n); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting needed soname")
		}
	}
	for _, c := range rec.Content {
		if _, err := tx.Exec("INSERT INTO content(package_id, path, kind) VALUES (?,?,?)", id, c.Path, string(c.Kind)); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting content entry")
		}
	}
	for _, cs := range rec.ContentSafety {
		if _, err := tx.Exec("INSERT INTO content_safety(package_id, path, mtime, sha256) VALUES (?,?,?,?)", id, cs.Path, cs.MTime, cs.SHA256); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting content safety entry")
		}
	}
	if rec.Signatures.SHA1 != "" || rec.Signatures.SHA256 != "" || rec.Signatures.SHA512 != "" || len(rec.Signatures.GPG) > 0 {
		if _, err := tx.Exec("INSERT INTO signatures(package_id, sha1, sha256, sha512, gpg) VALUES (?,?,?,?,?)",
			id, rec.Signatures.SHA1, rec.Signatures.SHA256, rec.Signatures.SHA512, rec.Signatures.GPG); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting signatures")
		}
	}
	for _, tr := range rec.Triggers {
		if _, err := tx.Exec("INSERT INTO triggers(package_id, name, script) VALUES (?,?,?)", id, tr.Name, tr.Script); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "inserting trigger")
		}
	}
	return nil
}

func formatDependency(d atom.Dependency) string {
	// Round-trips well enough for storage; re-parsed by the solver via
	// atom.ParseDependency when loaded back out of the store.
	if len(d.AnyOf) > 0 {
		s := "||("
		for i, alt := range d.AnyOf {
			if i > 0 {
				s += " "
			}
			s += formatDependency(alt)
		}
		return s + ")"
	}
	prefix := ""
	if d.StrongBlock {
		prefix = "!!"
	} else if d.Blocker {
		prefix = "!"
	}
	return prefix + d.Comparator.String() + d.Atom.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AtomMatchStatus is the status code AtomMatch returns alongside a
// package_id, matching the "0 on match, 1 on no-match" contract.
type AtomMatchStatus int

const (
	StatusMatch   AtomMatchStatus = 0
	StatusNoMatch AtomMatchStatus = 1
)

// AtomMatch resolves dep against this store's packages table, applying the
// tie-break order: (a) highest version+revision per key+slot — enforced
// here since one store can hold only one row per (key,slot) thanks to the
// UNIQUE constraint; (b)/(c) — preferred repository and priority — are
// applied one level up, across stores, by the caller (solver.Resolver),
// since a single Store has no visibility into sibling repositories.
func (s *Store) AtomMatch(dep atom.Dependency, slot, tag string) (int64, AtomMatchStatus, error) {
	var id int64
	var notFound bool
	err := s.withRead(func() error {
		query := `SELECT package_id, category, name, version, revision, slot, tag FROM packages WHERE category=? AND name=?`
		args := []interface{}{dep.Atom.Category, dep.Atom.Name}
		if slot != "" {
			query += " AND slot=?"
			args = append(args, slot)
		}
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "querying atom_match candidates")
		}
		defer rows.Close()

		var best int64 = -1
		var bestAtom atom.Atom
		for rows.Next() {
			var pid int64
			var a atom.Atom
			var verStr string
			if err := rows.Scan(&pid, &a.Category, &a.Name, &verStr, &a.Revision, &a.Slot, &a.Tag); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning atom_match row")
			}
			if tag != "" && a.Tag != tag {
				continue
			}
			if verStr != "" {
				v, err := atom.ParseVersion(verStr)
				if err != nil {
					return entropyerr.Wrap(entropyerr.IoError, err, "parsing stored version")
				}
				a.Version = v
			}
			if !atom.Match(dep, a, nil) {
				continue
			}
			// Tie-break (a): highest version+revision per key+slot.
			if best == -1 || atom.CompareAtoms(a, bestAtom) > 0 {
				best, bestAtom = pid, a
			}
		}
		if err := rows.Err(); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "iterating atom_match rows")
		}
		if best == -1 {
			notFound = true
			return nil
		}
		id = best
		return nil
	})
	if err != nil {
		return 0, StatusNoMatch, err
	}
	if notFound {
		return 0, StatusNoMatch, nil
	}
	return id, StatusMatch, nil
}

// loadAtom reads back the identifying atom fields for packageID, used by
// RetrieveDepends to build the target atom it matches stored dependency
// strings against.
func (s *Store) loadAtom(packageID int64) (atom.Atom, error) {
	var a atom.Atom
	var verStr string
	err := s.withRead(func() error {
		row := s.db.QueryRow(`SELECT category, name, version, revision, slot, tag FROM packages WHERE package_id=?`, packageID)
		return row.Scan(&a.Category, &a.Name, &verStr, &a.Revision, &a.Slot, &a.Tag)
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return atom.Atom{}, entropyerr.Wrapf(entropyerr.NotFound, err, "package_id %d not found", packageID)
		}
		return atom.Atom{}, entropyerr.Wrap(entropyerr.IoError, err, "loading atom")
	}
	if verStr != "" {
		v, perr := atom.ParseVersion(verStr)
		if perr != nil {
			return atom.Atom{}, perr
		}
		a.Version = v
	}
	return a, nil
}
