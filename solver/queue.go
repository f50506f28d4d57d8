package solver

import (
	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/entropyerr"
	"github.com/entropy-pm/entropy/store"
)

// recordFor loads the full PackageRecord backing a chosen Candidate, so
// detectCollisions can inspect its declared Conflicts.
func (r *Resolver) recordFor(cand Candidate) (*store.PackageRecord, error) {
	s, err := r.Repos.Store(cand.RepositoryID)
	if err != nil {
		return nil, err
	}
	return s.RetrievePackage(cand.PackageID)
}

// detectCollisions re-validates every blocker declared anywhere in the final
// selection against every other chosen candidate. expand already checks a
// package's blockers against whatever has been chosen so far at the moment
// it is added, but a package added earlier in the walk can declare a
// blocker against one added later — that direction is only visible once the
// whole closure is built, hence this second, whole-set pass.
func (r *Resolver) detectCollisions(sel *selection, relaxed bool) error {
	recs := make(map[string]*store.PackageRecord, len(sel.chosen))
	for id, cand := range sel.chosen {
		rec, err := r.recordFor(cand)
		if err != nil {
			return err
		}
		recs[id] = rec
	}

	for id, rec := range recs {
		for _, dep := range rec.Conflicts {
			if !atom.IsBlocker(dep) {
				continue
			}
			for otherID, otherCand := range sel.chosen {
				if otherID == id {
					continue
				}
				if !atom.Match(dep, otherCand.Atom, r.UseFlags) {
					continue
				}
				if relaxed && upgradeInPlace(rec.Atom, otherCand.Atom) {
					r.log.Warn().Str("a", rec.Atom.String()).Str("b", otherCand.Atom.String()).
						Msg("relaxed resolution: treating same-slot collision as upgrade-in-place")
					continue
				}
				if dep.StrongBlock {
					return entropyerr.New(entropyerr.Collision,
						"package "+rec.Atom.String()+" conflicts with selected package "+otherCand.Atom.String())
				}
				r.log.Warn().Str("a", rec.Atom.String()).Str("b", otherCand.Atom.String()).
					Msg("soft blocker present in final selection, proceeding")
			}
		}
	}
	return nil
}

// upgradeInPlace implements relaxation (a) from SPEC_FULL.md §4.4: a
// same-(key,slot) collision where one candidate's version differs from the
// other is treated as an upgrade-in-place rather than an aborted collision.
func upgradeInPlace(a, b atom.Atom) bool {
	keyA, slotA := atom.KeySlot(a)
	keyB, slotB := atom.KeySlot(b)
	if keyA != keyB || slotA != slotB {
		return false
	}
	return atom.CompareAtoms(a, b) != 0
}
