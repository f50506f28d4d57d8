// Package cfgprotect implements Configuration Protection (component C8):
// classifying a destination path as protected/masked/skipped against three
// ordered path lists, and deciding whether a protected file auto-merges or
// is stashed beside the live copy for the user to reconcile later.
//
// Grounded on the teacher's txn_writer.go LockDiff/LockedProjectDiff: a
// before/after diff value rendered through a Format() method. ConfigUpdate
// and its Diff operation reuse that diff-then-render shape, generalized
// from dependency-lock diffs to configuration-file diffs.
package cfgprotect

import (
	"crypto/md5" //nolint:gosec // content-change detection, not a security boundary
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/entropy-pm/entropy/entropyerr"
)

// Classification is the outcome of matching a destination path against the
// protect/mask/skip lists.
type Classification int

const (
	Overwrite Classification = iota
	Protected
)

// Lists holds the three ordered path lists from configuration (§4.8).
type Lists struct {
	Protect []string // path prefixes: any file under these is protected
	Mask    []string // explicit per-file overrides forcing protection
	Skip    []string // path prefixes: never protected
}

// Classify applies the decision table: skip beats mask beats protect,
// overwrite is the default when destination does not yet exist on disk (a
// brand-new file has nothing to protect).
func (l Lists) Classify(destination string, exists bool) Classification {
	for _, p := range l.Skip {
		if hasPrefix(destination, p) {
			return Overwrite
		}
	}
	if !exists {
		return Overwrite
	}
	for _, m := range l.Mask {
		if destination == m {
			return Protected
		}
	}
	for _, p := range l.Protect {
		if hasPrefix(destination, p) {
			return Protected
		}
	}
	return Overwrite
}

func hasPrefix(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// Update is one stashed configuration file pending the user's decision —
// the spec's ConfigurationUpdate record (source-path, destination-path,
// auto-mergeable, owning package ids).
type Update struct {
	SourcePath      string
	DestinationPath string
	AutoMergeable   bool
	OwningPackageID int64
}

// Decide applies the automerge comparison once a destination has been
// classified Protected: if the md5 of the live file at destination matches
// lastInstallMD5 (the automerge-files value recorded at the owning package's
// last install), the live file was never user-modified and can be
// overwritten directly, so Decide returns ("", nil, nil) meaning "no stash
// needed, overwrite in place"; a destination that no longer exists is
// treated the same way. Otherwise it stashes newContent beside destination
// under a reserved name encoding a counter and returns the stash path plus
// an Update describing the pending review.
func Decide(destination string, newContent []byte, lastInstallMD5 string, owningPackageID int64, log zerolog.Logger) (stashPath string, update *Update, err error) {
	live, err := os.ReadFile(destination)
	if os.IsNotExist(err) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, entropyerr.Wrapf(entropyerr.IoError, err, "reading live configuration file %s", destination)
	}
	if md5Hex(live) == lastInstallMD5 {
		log.Debug().Str("destination", destination).Msg("configuration file unmodified since install, auto-merging")
		return "", nil, nil
	}

	stash, err := reservedStashName(destination)
	if err != nil {
		return "", nil, err
	}
	if err := os.WriteFile(stash, newContent, 0o644); err != nil {
		return "", nil, entropyerr.Wrapf(entropyerr.IoError, err, "stashing configuration update for %s", destination)
	}

	log.Warn().Str("destination", destination).Str("stash", stash).Msg("configuration file modified since install; new version stashed")
	return stash, &Update{
		SourcePath:      stash,
		DestinationPath: destination,
		AutoMergeable:   false,
		OwningPackageID: owningPackageID,
	}, nil
}

// reservedStashName picks "<destination>._cfg%04d" for the lowest counter
// not already present on disk, matching the spec's "reserved name encoding
// a counter".
func reservedStashName(destination string) (string, error) {
	for n := 0; n < 10000; n++ {
		candidate := fmt.Sprintf("%s._cfg%04d", destination, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", entropyerr.New(entropyerr.Internal, "exhausted reserved stash counters for "+destination)
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return fmt.Sprintf("%x", sum)
}

// ConfigurationFiles scans root for pending stashed updates (files matching
// the reserved "._cfgNNNN" naming convention), returning one Update per
// stash found. This is the scanner half of C8's external surface; Merge/
// Discard act on the Update values it returns.
func ConfigurationFiles(root string) ([]Update, error) {
	var out []Update
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if dest, ok := stashedDestination(path); ok {
			out = append(out, Update{SourcePath: path, DestinationPath: dest})
		}
		return nil
	})
	if err != nil {
		return nil, entropyerr.Wrapf(entropyerr.IoError, err, "scanning configuration stash under %s", root)
	}
	return out, nil
}

func stashedDestination(path string) (string, bool) {
	idx := strings.LastIndex(path, "._cfg")
	if idx < 0 || len(path) != idx+len("._cfg")+4 {
		return "", false
	}
	suffix := path[idx+len("._cfg"):]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return path[:idx], true
}

// Merge replaces u.DestinationPath's content with u.SourcePath's and
// removes the stash file.
func Merge(u Update) error {
	in, err := os.Open(u.SourcePath)
	if err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "opening stashed update %s", u.SourcePath)
	}
	defer in.Close()

	out, err := os.Create(u.DestinationPath)
	if err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "opening destination %s", u.DestinationPath)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "merging configuration update into %s", u.DestinationPath)
	}
	if err := out.Sync(); err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "syncing merged configuration file")
	}
	return os.Remove(u.SourcePath)
}

// Discard removes the pending stash without touching the live file.
func Discard(u Update) error {
	if err := os.Remove(u.SourcePath); err != nil && !os.IsNotExist(err) {
		return entropyerr.Wrapf(entropyerr.IoError, err, "discarding stashed update %s", u.SourcePath)
	}
	return nil
}

// Diff returns the path of the stashed file for u, so a caller can render
// (or diff-tool-invoke) a before/after comparison against DestinationPath —
// the diff-then-render shape the teacher's LockDiff.Format() follows,
// generalized here to returning the path rather than a pre-rendered string
// since configuration files have no canonical textual diff format the way
// a TOML lock tree does.
func Diff(u Update) (string, error) {
	if _, err := os.Stat(u.SourcePath); err != nil {
		return "", entropyerr.Wrapf(entropyerr.NotFound, err, "stashed update %s not found", u.SourcePath)
	}
	return u.SourcePath, nil
}
