package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/entropy-pm/entropy/cfgprotect"
	"github.com/entropy-pm/entropy/entropyerr"
	"github.com/entropy-pm/entropy/store"
)

// runRemove drives the REMOVE phase list (§4.6): pre_remove, remove, which
// deletes content in reverse dependency-tree order so files precede the
// directories that held them, post_remove, remove_spm. cleanup is invoked
// by the caller (Execute) regardless of outcome.
func (e *Engine) runRemove(ctx context.Context, item *ActionQueueItem, cancelled Cancelled) error {
	installed, err := e.Repos.Installed()
	if err != nil {
		return err
	}
	rec, err := installed.RetrievePackage(item.PackageID)
	if err != nil {
		return err
	}
	if rec.SystemCritical {
		return entropyerr.New(entropyerr.NotRemovable, "package "+rec.Atom.String()+" is system-critical")
	}

	if err := e.Opts.SPM.RunTrigger(rec, "preremove"); err != nil {
		return entropyerr.Wrap(entropyerr.Internal, err, "pre_remove trigger failed")
	}
	if err := e.checkCancelled(cancelled); err != nil {
		return err
	}

	item.State = Applying
	if err := e.removeContent(installed, rec); err != nil {
		return err
	}
	if err := e.checkCancelled(cancelled); err != nil {
		return err
	}

	if err := e.Opts.SPM.RunTrigger(rec, "postremove"); err != nil {
		return entropyerr.Wrap(entropyerr.Internal, err, "post_remove trigger failed")
	}
	if err := e.Opts.SPM.RemoveSPM(rec); err != nil {
		return entropyerr.Wrap(entropyerr.Internal, err, "remove_spm failed")
	}

	item.State = Committing
	return installed.RemovePackage(rec.PackageID)
}

// removeContent deletes rec's live files and, where empty afterward, its
// directories. Protected configuration files are left in place with a
// warning rather than deleted; still-needed shared libraries are handed to
// C7 instead of being unlinked.
func (e *Engine) removeContent(installed *store.Store, rec *store.PackageRecord) error {
	root := e.Opts.Root
	if root == "" {
		root = string(filepath.Separator)
	}

	stream, err := installed.RetrieveContent(rec.PackageID)
	if err != nil {
		return err
	}
	entries, err := stream.Collect()
	stream.Close()
	if err != nil {
		return err
	}

	sonameByPath := map[string]string{}
	for _, lib := range rec.Libraries {
		sonameByPath[lib.Path] = lib.Soname
	}

	var dirs []string
	for _, entry := range entries {
		live := filepath.Join(root, entry.Path)

		if entry.Kind == store.KindDir {
			dirs = append(dirs, live)
			continue
		}

		if soname, ok := sonameByPath[entry.Path]; ok {
			needed, err := e.sonameNeededElsewhere(installed, soname, rec.PackageID)
			if err != nil {
				return err
			}
			if needed {
				if err := e.Preserve.Preserve(soname, live, rec.PackageID); err != nil {
					return err
				}
				continue
			}
		}

		if !pathExists(live) {
			continue
		}
		if e.Opts.Lists.Classify(live, true) == cfgprotect.Protected {
			e.log.Warn().Str("path", live).Msg("leaving protected configuration file in place on removal")
			continue
		}
		if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
			return entropyerr.Wrapf(entropyerr.IoError, err, "removing %s", live)
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		_ = os.Remove(d) // best-effort: non-empty directories are left behind
	}
	return nil
}

func (e *Engine) sonameNeededElsewhere(installed *store.Store, soname string, excludePackageID int64) (bool, error) {
	ids, err := installed.AllPackageIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == excludePackageID {
			continue
		}
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
}
