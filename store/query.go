package store

import (
	"database/sql"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/entropyerr"
)

// RetrievePackage loads the record for packageID: the packages row plus its
// dependencies, conflicts, provided virtuals, libraries, needed sonames and
// triggers. Content, content-safety and signature rows are not loaded;
// RetrieveContent streams the content set.
func (s *Store) RetrievePackage(packageID int64) (*PackageRecord, error) {
	rec := &PackageRecord{PackageID: packageID}
	err := s.withRead(func() error {
		var verStr string
		var dateInstalled int64
		var systemCritical, world int
		row := s.db.QueryRow(`SELECT category, name, version, revision, slot, tag, size,
			download_url, artifact_checksum, install_source, spm_uid, date_installed,
			repository_of_origin, system_critical, world
			FROM packages WHERE package_id=?`, packageID)
		err := row.Scan(&rec.Atom.Category, &rec.Atom.Name, &verStr, &rec.Atom.Revision,
			&rec.Atom.Slot, &rec.Atom.Tag, &rec.Size, &rec.DownloadURL, &rec.ArtifactChecksum,
			&rec.InstallSource, &rec.SPMUID, &dateInstalled, &rec.RepositoryOfOrigin,
			&systemCritical, &world)
		if err == sql.ErrNoRows {
			return entropyerr.Wrapf(entropyerr.NotFound, err, "package_id %d not found", packageID)
		}
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "loading package record")
		}
		rec.SystemCritical = systemCritical != 0
		rec.World = world != 0
		if verStr != "" {
			v, perr := atom.ParseVersion(verStr)
			if perr != nil {
				return perr
			}
			rec.Atom.Version = v
		}

		if rec.Dependencies, err = s.loadDependencyTable("dependencies", packageID); err != nil {
			return err
		}
		if rec.Conflicts, err = s.loadDependencyTable("conflicts", packageID); err != nil {
			return err
		}

		provideRows, err := s.db.Query(`SELECT virtual FROM provides WHERE package_id=?`, packageID)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "loading provides")
		}
		defer provideRows.Close()
		for provideRows.Next() {
			var v string
			if err := provideRows.Scan(&v); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning provides row")
			}
			rec.Provides = append(rec.Provides, v)
		}

		libRows, err := s.db.Query(`SELECT soname, path FROM libraries WHERE package_id=?`, packageID)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "loading libraries")
		}
		defer libRows.Close()
		for libRows.Next() {
			var l Library
			if err := libRows.Scan(&l.Soname, &l.Path); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning library row")
			}
			rec.Libraries = append(rec.Libraries, l)
		}

		neededRows, err := s.db.Query(`SELECT soname FROM needed WHERE package_id=?`, packageID)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "loading needed sonames")
		}
		defer neededRows.Close()
		for neededRows.Next() {
			var n string
			if err := neededRows.Scan(&n); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning needed row")
			}
			rec.Needed = append(rec.Needed, n)
		}

		triggerRows, err := s.db.Query(`SELECT name, script FROM triggers WHERE package_id=?`, packageID)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "loading triggers")
		}
		defer triggerRows.Close()
		for triggerRows.Next() {
			var tr Trigger
			if err := triggerRows.Scan(&tr.Name, &tr.Script); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning trigger row")
			}
			rec.Triggers = append(rec.Triggers, tr)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadDependencyTable(table string, packageID int64) ([]atom.Dependency, error) {
	rows, err := s.db.Query("SELECT dep_string FROM "+table+" WHERE package_id=?", packageID)
	if err != nil {
		return nil, entropyerr.Wrapf(entropyerr.IoError, err, "loading %s", table)
	}
	defer rows.Close()
	var out []atom.Dependency
	for rows.Next() {
		var depStr string
		if err := rows.Scan(&depStr); err != nil {
			return nil, entropyerr.Wrapf(entropyerr.IoError, err, "scanning %s row", table)
		}
		d, perr := atom.ParseDependency(depStr)
		if perr != nil {
			return nil, perr
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemovePackage deletes packageID and all of its child rows, the commit
// action of a REMOVE's phase list (data model §3 lifecycle: "destroyed in
// REMOVE's commit phase").
func (s *Store) RemovePackage(packageID int64) error {
	return s.withWrite(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "beginning remove_package transaction")
		}
		defer tx.Rollback() //nolint:errcheck

		if err := clearChildRows(tx, packageID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM automerge_files WHERE package_id=?`, packageID); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "clearing automerge files")
		}
		if _, err := tx.Exec(`DELETE FROM packages WHERE package_id=?`, packageID); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "deleting package row")
		}
		if err := tx.Commit(); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "committing remove_package transaction")
		}
		return nil
	})
}

// AllPackageIDs lists every package_id currently in this store, used by the
// solver's orphan scan and by the preserved-libraries GC pass.
func (s *Store) AllPackageIDs() ([]int64, error) {
	var ids []int64
	err := s.withRead(func() error {
		rows, err := s.db.Query(`SELECT package_id FROM packages`)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "listing package ids")
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning package id")
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}
