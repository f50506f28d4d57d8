package store

import (
	"github.com/entropy-pm/entropy/entropyerr"
)

// InsertAutomergeFiles records the md5 of every protected destination path
// captured at install time, keyed by the owning package_id. Configuration
// Protection (C8) compares the live file's md5 against this table to decide
// automerge vs. stash.
func (s *Store) InsertAutomergeFiles(packageID int64, files map[string]string) error {
	return s.withWrite(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "beginning automerge insert")
		}
		defer tx.Rollback() //nolint:errcheck

		if _, err := tx.Exec(`DELETE FROM automerge_files WHERE package_id=?`, packageID); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "clearing automerge files")
		}
		for dest, md5 := range files {
			if _, err := tx.Exec(`INSERT INTO automerge_files(package_id, destination_path, md5) VALUES (?,?,?)`, packageID, dest, md5); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "inserting automerge file")
			}
		}
		if err := tx.Commit(); err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "committing automerge files")
		}
		return nil
	})
}

// RetrieveAutomergeFiles reads back the destination-path -> md5 map
// captured at packageID's last install.
func (s *Store) RetrieveAutomergeFiles(packageID int64) (map[string]string, error) {
	out := make(map[string]string)
	err := s.withRead(func() error {
		rows, err := s.db.Query(`SELECT destination_path, md5 FROM automerge_files WHERE package_id=?`, packageID)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "querying automerge files")
		}
		defer rows.Close()
		for rows.Next() {
			var dest, md5 string
			if err := rows.Scan(&dest, &md5); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning automerge file row")
			}
			out[dest] = md5
		}
		return rows.Err()
	})
	return out, err
}

// RetrieveTriggerData returns the named trigger's script bundle for
// packageID, or nil if that package declares no such trigger.
func (s *Store) RetrieveTriggerData(packageID int64, name string) ([]byte, error) {
	var script []byte
	var found bool
	err := s.withRead(func() error {
		row := s.db.QueryRow(`SELECT script FROM triggers WHERE package_id=? AND name=?`, packageID, name)
		err := row.Scan(&script)
		if err != nil {
			if err.Error() == "sql: no rows in result set" {
				return nil
			}
			return entropyerr.Wrap(entropyerr.IoError, err, "querying trigger data")
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return script, nil
}
