package engine

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/entropy-pm/entropy/cfgprotect"
	"github.com/entropy-pm/entropy/entropyerr"
	internalfs "github.com/entropy-pm/entropy/internal/fs"
	"github.com/entropy-pm/entropy/store"
)

// mergeImageIntoRoot walks imageDir and merges it into the live root (§4.6's
// "install" step, the core of an INSTALL action). Directories are
// reconciled first (stale symlinks and file-where-directory-expected
// entries are cleared out of the way, image directory symlinks replace any
// live directory of the same name), then every regular file or symlink is
// collision-checked, classified through C8, and atomically moved into
// place.
func (e *Engine) mergeImageIntoRoot(imageDir string, rec *store.PackageRecord, replacing *store.PackageRecord) error {
	root := e.Opts.Root
	if root == "" {
		root = string(filepath.Separator)
	}
	installed, err := e.Repos.Installed()
	if err != nil {
		return err
	}

	var lastInstallMD5 map[string]string
	if replacing != nil {
		lastInstallMD5, _ = installed.RetrieveAutomergeFiles(replacing.PackageID)
	}

	affectedDirs := map[string]bool{}

	return filepath.WalkDir(imageDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return entropyerr.Wrapf(entropyerr.IoError, walkErr, "walking image tree at %s", path)
		}
		rel, err := filepath.Rel(imageDir, path)
		if err != nil {
			return entropyerr.Wrapf(entropyerr.Internal, err, "computing relative path for %s", path)
		}
		if rel == "." {
			return nil
		}
		live := filepath.Join(root, rel)

		if e.Opts.Splitdebug && strings.Contains(rel, string(filepath.Separator)+".debug"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return e.mergeDirectory(live, d)
		}

		affectedDirs[filepath.Dir(rel)] = true

		if d.Type()&fs.ModeSymlink != 0 {
			if liveInfo, statErr := os.Lstat(live); statErr == nil && liveInfo.IsDir() {
				e.log.Warn().Str("path", live).Msg("replacing live directory with image symlink")
				if err := os.RemoveAll(live); err != nil {
					return entropyerr.Wrapf(entropyerr.IoError, err, "removing directory in place of symlink %s", live)
				}
			}
		}

		owners, err := installed.SearchBelongs(live)
		if err != nil {
			return err
		}
		if conflictingOwner(owners, replacing) {
			if e.Opts.Strict {
				return entropyerr.New(entropyerr.Collision, "file "+live+" already belongs to another installed package")
			}
			e.log.Warn().Str("path", live).Msg("overwriting file owned by another installed package")
		}

		exists := pathExists(live)
		class := e.Opts.Lists.Classify(live, exists)
		if class == cfgprotect.Protected {
			data, err := os.ReadFile(path)
			if err != nil {
				return entropyerr.Wrapf(entropyerr.IoError, err, "reading image content for %s", path)
			}
			stash, update, err := cfgprotect.Decide(live, data, lastInstallMD5[rel], rec.PackageID, e.log)
			if err != nil {
				return err
			}
			if update != nil {
				e.log.Info().Str("stash", stash).Msg("configuration file pending review")
				return nil
			}
			// unmodified since last install: fall through and overwrite.
		}

		return retryRenameIntoPlace(path, live)
	})
}

// mergeDirectory reconciles one directory entry from the image tree against
// the live root before descending into it.
func (e *Engine) mergeDirectory(live string, d fs.DirEntry) error {
	info, statErr := os.Lstat(live)
	switch {
	case os.IsNotExist(statErr):
		// nothing live yet; fall through to create below.
	case statErr != nil:
		return entropyerr.Wrapf(entropyerr.IoError, statErr, "stat live path %s", live)
	case info.Mode()&os.ModeSymlink != 0:
		if _, targetErr := os.Stat(live); targetErr != nil {
			e.log.Debug().Str("path", live).Msg("removing stale symlink in place of directory")
			if err := os.Remove(live); err != nil {
				return entropyerr.Wrapf(entropyerr.IoError, err, "removing stale symlink %s", live)
			}
		}
	case info.Mode().IsRegular():
		e.log.Warn().Str("path", live).Msg("removing file in place of expected directory")
		if err := os.Remove(live); err != nil {
			return entropyerr.Wrapf(entropyerr.IoError, err, "removing file at %s", live)
		}
	default:
		// already a directory: nothing to do.
		return nil
	}

	imageInfo, err := d.Info()
	if err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "stat image directory entry for %s", live)
	}
	if err := os.MkdirAll(live, imageInfo.Mode().Perm()); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "creating directory %s", live)
	}
	return nil
}

func conflictingOwner(owners []int64, replacing *store.PackageRecord) bool {
	for _, id := range owners {
		if replacing == nil || id != replacing.PackageID {
			return true
		}
	}
	return false
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// sameLiveInode reports whether live resolves (following symlinks) to the
// same file as any of candidates, the realpath reconciliation store.ContentDiff
// cannot perform itself since it has no live filesystem to stat against.
func sameLiveInode(live string, candidates []os.FileInfo) bool {
	info, err := os.Stat(live)
	if err != nil {
		return false
	}
	for _, c := range candidates {
		if os.SameFile(info, c) {
			return true
		}
	}
	return false
}

// retryRenameIntoPlace moves src to dst, retrying a bounded number of times
// against the transient ELOOP a circular symlink replacement can produce
// when the destination is being reconciled concurrently with readers.
func retryRenameIntoPlace(src, dst string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := internalfs.RenameWithFallback(src, dst); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return entropyerr.Wrapf(entropyerr.IoError, lastErr, "moving %s into place at %s", src, dst)
}

// installClean removes the files unique to oldRec's content once newRec has
// displaced it (§4.6 step 6's replace-in-place branch), preserving any
// still-needed shared library through C7 instead of deleting it outright.
func (e *Engine) installClean(installed *store.Store, oldRec, newRec *store.PackageRecord) error {
	root := e.Opts.Root
	if root == "" {
		root = string(filepath.Separator)
	}

	diff, err := store.ContentDiff(installed, oldRec.PackageID, installed, newRec.PackageID)
	if err != nil {
		return err
	}

	sonameByPath := map[string]string{}
	for _, lib := range oldRec.Libraries {
		sonameByPath[lib.Path] = lib.Soname
	}

	newLiveInfos := make([]os.FileInfo, 0, len(newRec.Content))
	for _, entry := range newRec.Content {
		if info, err := os.Stat(filepath.Join(root, entry.Path)); err == nil {
			newLiveInfos = append(newLiveInfos, info)
		}
	}

	for _, relPath := range diff.Collect() {
		live := filepath.Join(root, relPath)
		if sameLiveInode(live, newLiveInfos) {
			// realpath reconciliation: the old record's path and a path newRec
			// still provides resolve to the same inode, so the file is not
			// actually unique to oldRec — e.g. a /lib -> /usr/lib merge where
			// newRec recorded the content under its /usr/lib path.
			continue
		}
		if soname, ok := sonameByPath[relPath]; ok {
			needed, err := e.sonameNeededElsewhere(installed, soname, oldRec.PackageID)
			if err != nil {
				return err
			}
			if needed {
				if err := e.Preserve.Preserve(soname, live, oldRec.PackageID); err != nil {
					return err
				}
				continue
			}
		}
		if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
			return entropyerr.Wrapf(entropyerr.IoError, err, "removing superseded file %s", live)
		}
	}

	return installed.RemovePackage(oldRec.PackageID)
}

// preservedLibsGC runs C7's garbage collection against the currently
// installed set: a soname is still needed if any installed package lists it
// in Needed.
func (e *Engine) preservedLibsGC(installed *store.Store) error {
	return e.Preserve.GC(func(soname string) (bool, error) {
		ids, err := installed.AllPackageIDs()
		if err != nil {
			return false, err
		}
		for _, id := range ids {
			rec, err := installed.RetrievePackage(id)
			if err != nil {
				return false, err
			}
			for _, n := range rec.Needed {
				if n == soname {
					return true, nil
				}
			}
		}
		return false, nil
	})
}
