package store

import (
	"database/sql"
	"path/filepath"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/entropyerr"
)

// ContentStream is a lazy, restartable sequence of (path, kind) rows,
// ordered by path. The design notes replace the source's generator-based
// streaming with an explicit Reset() rather than a language generator, which
// is what the two-pass content filter in the install phase (§4.6) and the
// diff-then-merge step in §4.8 both need: they must walk the same content
// twice without re-querying by hand.
type ContentStream struct {
	store     *Store
	packageID int64
	rows      *sql.Rows
}

// RetrieveContent opens a restartable stream over packageID's content rows,
// ordered by path.
func (s *Store) RetrieveContent(packageID int64) (*ContentStream, error) {
	cs := &ContentStream{store: s, packageID: packageID}
	if err := cs.Reset(); err != nil {
		return nil, err
	}
	return cs, nil
}

// Reset re-issues the underlying query, so a second pass starts over from
// the first path.
func (cs *ContentStream) Reset() error {
	if cs.rows != nil {
		cs.rows.Close()
		cs.rows = nil
	}
	var rows *sql.Rows
	err := cs.store.withRead(func() error {
		r, err := cs.store.db.Query(`SELECT path, kind FROM content WHERE package_id=? ORDER BY path`, cs.packageID)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "querying content stream")
		}
		rows = r
		return nil
	})
	if err != nil {
		return err
	}
	cs.rows = rows
	return nil
}

// Next advances the stream, returning (entry, true, nil) while rows remain,
// (zero, false, nil) at end of stream, or (zero, false, err) on I/O failure.
func (cs *ContentStream) Next() (ContentEntry, bool, error) {
	if cs.rows == nil {
		return ContentEntry{}, false, entropyerr.New(entropyerr.Internal, "content stream used before Reset")
	}
	if !cs.rows.Next() {
		if err := cs.rows.Err(); err != nil {
			return ContentEntry{}, false, entropyerr.Wrap(entropyerr.IoError, err, "iterating content stream")
		}
		return ContentEntry{}, false, nil
	}
	var e ContentEntry
	var kind string
	if err := cs.rows.Scan(&e.Path, &kind); err != nil {
		return ContentEntry{}, false, entropyerr.Wrap(entropyerr.IoError, err, "scanning content row")
	}
	e.Kind = ContentKind(kind)
	return e, true, nil
}

// Close releases the underlying rows handle.
func (cs *ContentStream) Close() error {
	if cs.rows == nil {
		return nil
	}
	return cs.rows.Close()
}

// Collect drains the stream into a slice; callers that need random access
// (e.g. the install_clean content filter) use this instead of Next/Reset
// directly.
func (cs *ContentStream) Collect() ([]ContentEntry, error) {
	var out []ContentEntry
	for {
		e, ok, err := cs.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

// PathStream is a restartable stream of plain paths, returned by ContentDiff.
type PathStream struct {
	paths []string
	pos   int
}

func (ps *PathStream) Reset() { ps.pos = 0 }

func (ps *PathStream) Next() (string, bool) {
	if ps.pos >= len(ps.paths) {
		return "", false
	}
	p := ps.paths[ps.pos]
	ps.pos++
	return p, true
}

func (ps *PathStream) Collect() []string {
	return append([]string(nil), ps.paths[ps.pos:]...)
}

// ContentDiff computes the paths present in removed's content but not in
// new's, by lexical-path comparison only: the store has no live filesystem
// to stat, so it cannot tell whether two differently-recorded paths
// (e.g. a pre- and post-merged-usr /lib/foo vs /usr/lib/foo) are actually
// the same inode. That realpath/inode reconciliation happens one layer up,
// in engine.installClean, which has the live root and can os.Stat each
// candidate before deciding what to delete.
func ContentDiff(removed *Store, removedID int64, newStore *Store, newID int64) (*PathStream, error) {
	removedStream, err := removed.RetrieveContent(removedID)
	if err != nil {
		return nil, err
	}
	defer removedStream.Close()
	removedEntries, err := removedStream.Collect()
	if err != nil {
		return nil, err
	}

	newStream, err := newStore.RetrieveContent(newID)
	if err != nil {
		return nil, err
	}
	defer newStream.Close()
	newEntries, err := newStream.Collect()
	if err != nil {
		return nil, err
	}

	newPaths := make(map[string]bool, len(newEntries))
	for _, e := range newEntries {
		newPaths[filepath.Clean(e.Path)] = true
	}

	var diff []string
	for _, e := range removedEntries {
		p := filepath.Clean(e.Path)
		if !newPaths[p] {
			diff = append(diff, e.Path)
		}
	}
	return &PathStream{paths: diff}, nil
}

// SearchBelongs reports which installed packages own a live file at path.
func (s *Store) SearchBelongs(path string) ([]int64, error) {
	var ids []int64
	err := s.withRead(func() error {
		rows, err := s.db.Query(`SELECT DISTINCT package_id FROM content WHERE path=?`, path)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "querying search_belongs")
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning search_belongs row")
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// RetrieveDepends is the reverse-dependency lookup in the installed store:
// which installed packages declare a dependency matching packageID's atom.
func (s *Store) RetrieveDepends(packageID int64) ([]int64, error) {
	target, err := s.loadAtom(packageID)
	if err != nil {
		return nil, err
	}

	var ids []int64
	err = s.withRead(func() error {
		rows, err := s.db.Query(`SELECT package_id, dep_string FROM dependencies`)
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "querying retrieve_depends")
		}
		defer rows.Close()
		for rows.Next() {
			var pid int64
			var depStr string
			if err := rows.Scan(&pid, &depStr); err != nil {
				return entropyerr.Wrap(entropyerr.IoError, err, "scanning dependency row")
			}
			dep, perr := atom.ParseDependency(depStr)
			if perr != nil {
				return perr
			}
			if atom.Match(dep, target, nil) {
				ids = append(ids, pid)
			}
		}
		return rows.Err()
	})
	return ids, err
}
