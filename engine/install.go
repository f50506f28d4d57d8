package engine

import (
	"context"
	"path/filepath"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/entropyerr"
	"github.com/entropy-pm/entropy/internal/archive"
	"github.com/entropy-pm/entropy/store"
)

// runInstall drives the INSTALL phase list (§4.6): remove_conflicts,
// unpack/merge, setup, pre_install, install (the image merge), install_spm,
// the installed-store commit, then either the replace-in-place branch
// (pre_remove, install_clean, post_remove, post_remove_install) or
// preserved_libs_gc, then post_install. install_spm and the commit run
// before the branch, not after it. cleanup is invoked by the caller
// (Execute) regardless of outcome.
func (e *Engine) runInstall(ctx context.Context, item *ActionQueueItem, cancelled Cancelled) error {
	repo, err := e.Repos.Store(item.RepositoryID)
	if err != nil {
		return err
	}
	rec, err := repo.RetrievePackage(item.PackageID)
	if err != nil {
		return err
	}
	contentStream, err := repo.RetrieveContent(item.PackageID)
	if err != nil {
		return err
	}
	rec.Content, err = contentStream.Collect()
	contentStream.Close()
	if err != nil {
		return err
	}

	if err := e.phaseRemoveConflicts(ctx, rec, cancelled); err != nil {
		return err
	}
	if err := e.checkCancelled(cancelled); err != nil {
		return err
	}

	item.UnpackDir = filepath.Join(e.Opts.UnpackRoot, sanitizeDownloadPath(rec.DownloadURL))
	imageDir := filepath.Join(item.UnpackDir, "image")
	if err := e.phaseUnpack(rec, imageDir); err != nil {
		return err
	}

	if err := e.phaseSetup(rec, imageDir); err != nil {
		return err
	}
	if err := e.checkCancelled(cancelled); err != nil {
		return err
	}

	if err := e.Opts.SPM.RunTrigger(rec, "preinstall"); err != nil {
		return entropyerr.Wrap(entropyerr.Internal, err, "pre_install trigger failed")
	}

	item.State = Applying
	installed, err := e.Repos.Installed()
	if err != nil {
		return err
	}

	item.Replacing = e.findDisplaced(installed, rec)

	if err := e.mergeImageIntoRoot(imageDir, rec, item.Replacing); err != nil {
		return err
	}
	if err := e.checkCancelled(cancelled); err != nil {
		return err
	}

	spmUID, err := e.Opts.SPM.InstallSPM(rec)
	if err != nil {
		return entropyerr.Wrap(entropyerr.Internal, err, "install_spm failed")
	}
	rec.SPMUID = spmUID

	item.State = Committing
	newID, err := installed.HandlePackage(rec)
	if err != nil {
		return err
	}
	rec.PackageID = newID

	if item.Replacing != nil {
		if err := e.Opts.SPM.RunTrigger(item.Replacing, "preremove"); err != nil {
			return entropyerr.Wrap(entropyerr.Internal, err, "pre_remove trigger failed")
		}
		if err := e.installClean(installed, item.Replacing, rec); err != nil {
			return err
		}
		if err := e.Opts.SPM.RunTrigger(item.Replacing, "postremove"); err != nil {
			return entropyerr.Wrap(entropyerr.Internal, err, "post_remove trigger failed")
		}
		if err := e.Opts.SPM.RemoveSPM(item.Replacing); err != nil {
			return entropyerr.Wrap(entropyerr.Internal, err, "post_remove_install SPM purge failed")
		}
	} else {
		if err := e.preservedLibsGC(installed); err != nil {
			return err
		}
	}

	if err := e.Opts.SPM.RunTrigger(rec, "postinstall"); err != nil {
		return entropyerr.Wrap(entropyerr.Internal, err, "post_install trigger failed")
	}
	return nil
}

// phaseRemoveConflicts computes the removal-closure of rec's declared
// conflicts and dispatches each as a nested REMOVE action, per §4.6 step 1.
func (e *Engine) phaseRemoveConflicts(ctx context.Context, rec *store.PackageRecord, cancelled Cancelled) error {
	if len(rec.Conflicts) == 0 {
		return nil
	}
	installed, err := e.Repos.Installed()
	if err != nil {
		return err
	}
	ids, err := installed.AllPackageIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		conflicting, err := installed.RetrievePackage(id)
		if err != nil {
			return err
		}
		if !conflictsWith(rec, conflicting) {
			continue
		}
		nested := &ActionQueueItem{Action: Remove, PackageID: id, Authorized: true}
		if err := e.runRemove(ctx, nested, cancelled); err != nil {
			return err
		}
	}
	return nil
}

func conflictsWith(rec, candidate *store.PackageRecord) bool {
	for _, c := range rec.Conflicts {
		if atom.Match(c, candidate.Atom, nil) {
			return true
		}
	}
	return false
}

// phaseUnpack extracts rec's artifact into imageDir (the "unpack" phase).
// "merge" — mirroring a source directory tree instead of extracting an
// artifact — is the build-from-source path, out of scope per §1's
// Non-goals ("building packages from source"), so only unpack is
// implemented.
func (e *Engine) phaseUnpack(rec *store.PackageRecord, imageDir string) error {
	if rec.DownloadURL == "" {
		return entropyerr.New(entropyerr.Internal, "package record has no artifact to unpack")
	}
	artifactPath := filepath.Join(e.Opts.UnpackRoot, sanitizeDownloadPath(rec.DownloadURL), "artifact")
	_, err := archive.Extract(artifactPath, imageDir, func(raw []byte) (archive.Metadata, error) {
		return archive.Metadata{Raw: raw}, nil
	})
	return err
}

// phaseSetup applies tarball-recorded ownership (carried by the image tree
// itself, already extracted) and invokes the source-package-manager
// install-setup hook.
func (e *Engine) phaseSetup(rec *store.PackageRecord, imageDir string) error {
	return e.Opts.SPM.InstallSetup(rec, imageDir)
}

// findDisplaced returns the installed record sharing rec's (key,slot), if
// any — the branch point between the replace-in-place phases and
// preserved_libs_gc (§4.6 step 6).
func (e *Engine) findDisplaced(installed *store.Store, rec *store.PackageRecord) *store.PackageRecord {
	ids, err := installed.AllPackageIDs()
	if err != nil {
		return nil
	}
	target := depCandKeySlot(rec.Atom)
	for _, id := range ids {
		other, err := installed.RetrievePackage(id)
		if err != nil {
			continue
		}
		if depCandKeySlot(other.Atom) == target {
			return other
		}
	}
	return nil
}

func sanitizeDownloadPath(url string) string {
	out := make([]rune, 0, len(url))
	for _, r := range url {
		switch {
		case r == '/' || r == ':' || r == '?' || r == '&':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
