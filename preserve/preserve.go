// Package preserve implements the preserved libraries manager (component
// C7): before an install_clean phase deletes a shared library still needed
// by another installed package, the library is renamed aside into a
// preserved-libraries directory and tracked in a registry keyed by soname.
//
// Grounded on the teacher's TOML-backed Gopkg.lock persistence (toml.go,
// lock.go): the registry here is a small *toml.Tree-style document,
// generalized from "locked project versions" to "soname -> retained path"
// entries, using the same github.com/pelletier/go-toml library.
package preserve

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
	"github.com/rs/zerolog"

	"github.com/entropy-pm/entropy/entropyerr"
)

// Entry is one soname's preservation record. OriginalPath is the file
// physically retained on disk; Aliases holds additional paths that resolved
// (via os.SameFile) to that same retained inode when a later install
// declared the same soname again (§4.7's reappearing-soname semantics).
type Entry struct {
	Soname               string   `toml:"soname"`
	OriginalPath         string   `toml:"original_path"`
	PreservingPackageID  int64    `toml:"preserving_package_id"`
	Aliases              []string `toml:"aliases,omitempty"`
}

type registryDoc struct {
	Entries []Entry `toml:"entry"`
}

// Registry is the on-disk preservation table, one file per installed root.
type Registry struct {
	path    string
	dir     string
	log     zerolog.Logger
	entries map[string]*Entry // keyed by soname
}

// Open loads the registry at path (creating an empty one if absent). dir is
// the preserved-libraries directory files are renamed into.
func Open(path, dir string, log zerolog.Logger) (*Registry, error) {
	r := &Registry{path: path, dir: dir, log: log, entries: make(map[string]*Entry)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, entropyerr.Wrapf(entropyerr.IoError, err, "reading preservation registry %s", path)
	}

	var doc registryDoc
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, entropyerr.Wrap(entropyerr.Parse, err, "parsing preservation registry")
	}
	for i := range doc.Entries {
		e := doc.Entries[i]
		r.entries[e.Soname] = &e
	}
	return r, nil
}

// save persists the registry back to path.
func (r *Registry) save() error {
	doc := registryDoc{}
	for _, e := range r.entries {
		doc.Entries = append(doc.Entries, *e)
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return entropyerr.Wrap(entropyerr.Internal, err, "marshaling preservation registry")
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "creating registry directory for %s", r.path)
	}
	if err := os.WriteFile(r.path, out, 0o644); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "writing preservation registry %s", r.path)
	}
	return nil
}

// Preserve renames libraryPath (a library about to be deleted by
// install_clean) into the preserved-libraries directory and records it
// under soname, unless soname is already tracked — in which case the
// reappearing-soname semantics (§4.7) apply: the existing entry's
// OriginalPath is left untouched, and libraryPath is folded in as an alias
// only if it is the same retained inode; otherwise it is a distinct
// provision of the same soname, logged at warn.
func (r *Registry) Preserve(soname, libraryPath string, preservingPackageID int64) error {
	if existing, ok := r.entries[soname]; ok {
		sameInode, err := sameFile(libraryPath, existing.OriginalPath)
		if err != nil {
			// libraryPath no longer exists at the path recorded; nothing to
			// compare against, treat as a fresh provision below.
			sameInode = false
		}
		if sameInode {
			if libraryPath == existing.OriginalPath {
				return nil // already retained under this soname
			}
			for _, alias := range existing.Aliases {
				if alias == libraryPath {
					return nil
				}
			}
			existing.Aliases = append(existing.Aliases, libraryPath)
			return r.save()
		}
		for _, alias := range existing.Aliases {
			if alias == libraryPath {
				return nil
			}
		}
		r.log.Warn().
			Str("soname", soname).
			Str("existing_path", existing.OriginalPath).
			Str("new_path", libraryPath).
			Msg("soname already preserved under a different path; treating as a distinct provision")
		return r.retain(soname+"#"+libraryPath, libraryPath, preservingPackageID)
	}
	return r.retain(soname, libraryPath, preservingPackageID)
}

func (r *Registry) retain(key, libraryPath string, preservingPackageID int64) error {
	// Destination is keyed on the registry key, not the bare basename: two
	// distinct provisions of the same soname (see Preserve above) would
	// otherwise collide on one filename and overwrite each other's retained
	// bytes.
	dest := filepath.Join(r.dir, sanitizeKey(key)+"-"+filepath.Base(libraryPath))
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "creating preserved-libraries directory %s", r.dir)
	}
	if err := os.Rename(libraryPath, dest); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "retaining library %s", libraryPath)
	}
	r.entries[key] = &Entry{Soname: key, OriginalPath: dest, PreservingPackageID: preservingPackageID}
	return r.save()
}

// StillNeeded reports whether soname is listed in any still-installed
// package's needed set. Injected as a callback rather than a direct store
// dependency, so the GC pass (below) stays testable without a live store.
type StillNeeded func(soname string) (bool, error)

// GC walks the registry removing (and physically deleting) any entry whose
// soname no longer appears in stillNeeded, the preserved_libs_gc phase's
// contract (§4.6/§4.7).
func (r *Registry) GC(stillNeeded StillNeeded) error {
	changed := false
	for key, e := range r.entries {
		needed, err := stillNeeded(baseSoname(key))
		if err != nil {
			return err
		}
		if needed {
			continue
		}
		if err := os.Remove(e.OriginalPath); err != nil && !os.IsNotExist(err) {
			return entropyerr.Wrapf(entropyerr.IoError, err, "removing preserved library %s", e.OriginalPath)
		}
		delete(r.entries, key)
		changed = true
	}
	if changed {
		return r.save()
	}
	return nil
}

// sanitizeKey replaces path-hostile characters in a registry key so it can
// be used as (part of) a filename in the preserved-libraries directory.
func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch r {
		case '/', '\\', '#', ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// baseSoname strips the "#path" disambiguator added for a distinct
// provision (see retain above) back to the plain soname stillNeeded checks
// against.
func baseSoname(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '#' {
			return key[:i]
		}
	}
	return key
}

// Lookup returns the retained entry for soname, if any.
func (r *Registry) Lookup(soname string) (Entry, bool) {
	e, ok := r.entries[soname]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func sameFile(a, b string) (bool, error) {
	fa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	fb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(fa, fb), nil
}
