// Package solver implements the dependency solver (component C4): forward
// closure over declared dependencies to build an install queue, reverse
// closure over the installed store to build a removal queue, collision
// detection, and the disk-space pre-flight check.
//
// The shape is grounded on the teacher's own gps.Solver: a priority-ordered
// "unselected" work queue paired with a "selection" of packages already
// chosen and who depends on them (solver.go, selection.go), and a
// SourceManager-shaped indirection (bridge.go) between the solver and the
// concrete store it resolves against. Entropy's candidates are simpler than
// gps's — no semver-range backtracking, just atom_match tie-breaks — so the
// unselected queue here is an ordinary FIFO rather than a heap, but the
// selection/dependers bookkeeping is the same idea generalized from Go
// import-path projects to category/name package keys.
package solver

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/entropyerr"
	"github.com/entropy-pm/entropy/store"
)

// Candidate names one resolved package within a particular repository (its
// available store or the installed store).
type Candidate struct {
	PackageID    int64
	RepositoryID int
	Atom         atom.Atom
}

// Options controls how InstallQueue expands the forward closure.
type Options struct {
	// Deep additionally pulls in installed packages that would become
	// orphans if left alone.
	Deep bool
	// Recursive controls whether dependencies of dependencies are included.
	Recursive bool
	// Relaxed loosens slot/use conflicts to avoid aborting on benign
	// mismatches — see the two specific relaxations documented in
	// SPEC_FULL.md §4.4.
	Relaxed bool
	// BuildDeps additionally resolves build-time-only dependencies (tracked
	// on PackageRecord.Dependencies the same as runtime ones; entropy does
	// not distinguish the two at the storage layer, so the flag has no
	// effect: filterRuntimeOnly returns its input unchanged).
	BuildDeps bool
	// AllowSystemPackages permits ReverseQueue to remove a system-critical
	// package rather than failing with NotRemovable.
	AllowSystemPackages bool
}

// RequestedMatch is one user-requested install target.
type RequestedMatch struct {
	PackageID    int64
	RepositoryID int
}

// Resolver ties the solver to a concrete RepositorySet (the union of
// enabled available stores plus the installed store) and use-flag set.
type Resolver struct {
	Repos    *store.RepositorySet
	UseFlags atom.UseFlagSet
	log      zerolog.Logger
}

// New constructs a Resolver over repos.
func New(repos *store.RepositorySet, useFlags atom.UseFlagSet, log zerolog.Logger) *Resolver {
	return &Resolver{Repos: repos, UseFlags: useFlags, log: log}
}

// InstallQueue computes the ordered install sequence and any displaced
// packages' removal sequence for requested, per SPEC_FULL.md §4.4.
func (r *Resolver) InstallQueue(requested []RequestedMatch, opts Options) (installSeq, removalSeq []Candidate, err error) {
	sel := newSelection()

	for _, req := range requested {
		s, err := r.Repos.Store(req.RepositoryID)
		if err != nil {
			return nil, nil, err
		}
		rec, err := s.RetrievePackage(req.PackageID)
		if err != nil {
			return nil, nil, err
		}
		cand := Candidate{PackageID: req.PackageID, RepositoryID: req.RepositoryID, Atom: rec.Atom}
		if err := r.expand(cand, rec, sel, opts, nil); err != nil {
			return nil, nil, err
		}
	}

	if opts.Deep {
		if err := r.pullOrphanedOnDeep(sel, opts); err != nil {
			return nil, nil, err
		}
	}

	if err := r.detectCollisions(sel, opts.Relaxed); err != nil {
		return nil, nil, err
	}

	installSeq, err = topoSort(sel, r.log)
	if err != nil {
		return nil, nil, err
	}

	removalSeq, err = r.displaced(sel)
	if err != nil {
		return nil, nil, err
	}

	return installSeq, removalSeq, nil
}

// expand performs the forward-closure walk: resolve every declared
// dependency of rec against the union of enabled available stores and the
// installed store, recursing when opts.Recursive is set, and records each
// dependency edge ("A depends on B") in sel for the later topological sort.
func (r *Resolver) expand(cand Candidate, rec *store.PackageRecord, sel *selection, opts Options, chain []string) error {
	key, slot := atom.KeySlot(cand.Atom)
	id := key + ":" + slot
	for _, c := range chain {
		if c == id {
			return nil // already on the current expansion chain; let the cycle show up in topoSort
		}
	}

	if sel.has(id) {
		existing := sel.chosen[id]
		if existing.PackageID != cand.PackageID {
			if opts.Relaxed && upgradeInPlace(existing.Atom, cand.Atom) {
				r.log.Warn().Str("a", existing.Atom.String()).Str("b", cand.Atom.String()).
					Msg("relaxed resolution: treating same-slot collision as upgrade-in-place")
				sel.addDepender(id, cand)
				return nil
			}
			return entropyerr.New(entropyerr.Collision,
				"packages "+existing.Atom.String()+" and "+cand.Atom.String()+" both claim key+slot "+id)
		}
		sel.addDepender(id, cand)
		return nil
	}
	sel.add(id, cand)

	deps := rec.Dependencies
	if !opts.BuildDeps {
		deps = filterRuntimeOnly(deps)
	}

	for _, dep := range deps {
		if atom.IsBlocker(dep) {
			if err := r.checkBlocker(dep, sel); err != nil {
				return err
			}
			continue
		}

		depCand, depRec, err := r.resolve(dep, opts)
		if err != nil {
			return err
		}
		if depCand.PackageID == 0 {
			continue // relaxed: unresolved virtual deferred by resolve
		}
		sel.addEdge(id, depCandKey(depCand))

		if opts.Recursive {
			if err := r.expand(depCand, depRec, sel, opts, append(chain, id)); err != nil {
				return err
			}
		} else if err := r.recordCandidate(depCandKey(depCand), depCand, sel, opts); err != nil {
			return err
		}
	}

	return nil
}

// recordCandidate adds cand to sel under id, or, if id is already chosen,
// raises a Collision when cand's PackageID differs from the one already
// selected for that key+slot (per SPEC_FULL.md §4.4 step 3) unless opts.Relaxed
// permits treating it as an upgrade-in-place.
func (r *Resolver) recordCandidate(id string, cand Candidate, sel *selection, opts Options) error {
	if !sel.has(id) {
		sel.add(id, cand)
		return nil
	}
	existing := sel.chosen[id]
	if existing.PackageID == cand.PackageID {
		return nil
	}
	if opts.Relaxed && upgradeInPlace(existing.Atom, cand.Atom) {
		r.log.Warn().Str("a", existing.Atom.String()).Str("b", cand.Atom.String()).
			Msg("relaxed resolution: treating same-slot collision as upgrade-in-place")
		return nil
	}
	return entropyerr.New(entropyerr.Collision,
		"packages "+existing.Atom.String()+" and "+cand.Atom.String()+" both claim key+slot "+id)
}

func depCandKey(c Candidate) string {
	key, slot := atom.KeySlot(c.Atom)
	return key + ":" + slot
}

// resolve picks the single best candidate for dep across every enabled
// repository plus the installed store. Within one store, AtomMatch picks
// the highest version+revision; across stores, the hit from the lowest
// repository id wins, and versions are not compared between stores.
func (r *Resolver) resolve(dep atom.Dependency, opts Options) (Candidate, *store.PackageRecord, error) {
	type hit struct {
		repoID int
		id     int64
		rec    *store.PackageRecord
	}
	var hits []hit

	if inst, err := r.Repos.Installed(); err == nil {
		if id, status, err := inst.AtomMatch(dep, dep.Atom.Slot, dep.Atom.Tag); err == nil && status == store.StatusMatch {
			rec, err := inst.RetrievePackage(id)
			if err == nil {
				hits = append(hits, hit{repoID: inst.RepositoryID, id: id, rec: rec})
			}
		}
	}

	for _, repoID := range r.Repos.Enabled() {
		s, err := r.Repos.Store(repoID)
		if err != nil {
			return Candidate{}, nil, err
		}
		id, status, err := s.AtomMatch(dep, dep.Atom.Slot, dep.Atom.Tag)
		if err != nil {
			return Candidate{}, nil, err
		}
		if status != store.StatusMatch {
			continue
		}
		rec, err := s.RetrievePackage(id)
		if err != nil {
			return Candidate{}, nil, err
		}
		hits = append(hits, hit{repoID: repoID, id: id, rec: rec})
	}

	if len(hits) == 0 {
		if opts.Relaxed && isVirtual(dep) {
			// Relaxation (b): a missing dependency on a virtual is "not yet
			// provided" rather than NotFound. Whether another candidate will
			// provide it is not checked. Under Relaxed the solver logs it and
			// returns a placeholder (PackageID 0), which expand skips rather
			// than recording in the selection.
			r.log.Warn().Str("dep", dep.Atom.String()).Msg("relaxed resolution: deferring unresolved virtual dependency")
			return Candidate{Atom: dep.Atom}, &store.PackageRecord{Atom: dep.Atom}, nil
		}
		return Candidate{}, nil, entropyerr.New(entropyerr.NotFound, "no package satisfies dependency "+dep.Atom.String())
	}

	// Cross-store tie-break: the lowest repository id wins, so the installed
	// store (registered as id 0 by NewContext) wins whenever it has a match.
	best := hits[0]
	for _, h := range hits[1:] {
		if h.repoID < best.repoID {
			best = h
		}
	}
	return Candidate{PackageID: best.id, RepositoryID: best.repoID, Atom: best.rec.Atom}, best.rec, nil
}

func isVirtual(dep atom.Dependency) bool {
	return dep.Atom.Category == "virtual"
}

func (r *Resolver) checkBlocker(dep atom.Dependency, sel *selection) error {
	for id, cand := range sel.chosen {
		if atom.Match(dep, cand.Atom, r.UseFlags) {
			kind := entropyerr.Collision
			msg := fmt.Sprintf("blocker %s conflicts with selected package %s", dep.Atom.String(), cand.Atom.String())
			if dep.StrongBlock {
				return entropyerr.New(kind, msg)
			}
			r.log.Warn().Str("id", id).Msg(msg + " (soft blocker, proceeding)")
		}
	}
	return nil
}

func filterRuntimeOnly(deps []atom.Dependency) []atom.Dependency {
	// entropy's PackageRecord does not currently distinguish build-time from
	// runtime dependencies at the storage layer (see SPEC_FULL.md §3.1); this
	// is a no-op placeholder kept separate from the BuildDeps branch above so
	// that a future per-dependency "build-only" tag has a single call site to
	// change.
	return deps
}

// ReverseQueue computes the reverse-closure removal sequence for targets:
// every installed package that (transitively) depends on a target must be
// removed too, unless it is itself the target.
func (r *Resolver) ReverseQueue(targets []int64, opts Options) ([]Candidate, error) {
	inst, err := r.Repos.Installed()
	if err != nil {
		return nil, err
	}

	visited := make(map[int64]bool)
	var order []int64

	var visit func(id int64) error
	visit = func(id int64) error {
		if visited[id] {
			return nil
		}
		visited[id] = true

		rec, err := inst.RetrievePackage(id)
		if err != nil {
			return err
		}
		if rec.SystemCritical && !opts.AllowSystemPackages {
			return entropyerr.New(entropyerr.NotRemovable, "package "+rec.Atom.String()+" is system-critical")
		}

		depends, err := inst.RetrieveDepends(id)
		if err != nil {
			return err
		}
		for _, d := range depends {
			if err := visit(d); err != nil {
				return err
			}
		}
		order = append(order, id)
		return nil
	}

	for _, t := range targets {
		if err := visit(t); err != nil {
			return nil, err
		}
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		rec, err := inst.RetrievePackage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{PackageID: id, RepositoryID: inst.RepositoryID, Atom: rec.Atom})
	}
	return out, nil
}

// pullOrphanedOnDeep implements the Deep option: after the explicit forward
// closure is built, pull in installed packages that would become orphans
// (unreachable from any requested root) if the transaction proceeded
// without them.
func (r *Resolver) pullOrphanedOnDeep(sel *selection, opts Options) error {
	inst, err := r.Repos.Installed()
	if err != nil {
		return err
	}
	_, safe, err := Orphaned(inst)
	if err != nil {
		return err
	}
	for _, id := range safe {
		rec, err := inst.RetrievePackage(id)
		if err != nil {
			return err
		}
		cand := Candidate{PackageID: id, RepositoryID: inst.RepositoryID, Atom: rec.Atom}
		key := depCandKey(cand)
		if !sel.has(key) {
			if err := r.expand(cand, rec, sel, opts, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// displaced finds, for every candidate in sel sharing a (key,slot) with an
// installed package of a different package_id, the installed package to
// remove as part of the same-slot replacement.
func (r *Resolver) displaced(sel *selection) ([]Candidate, error) {
	inst, err := r.Repos.Installed()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	ids, err := inst.AllPackageIDs()
	if err != nil {
		return nil, err
	}
	installedByKeySlot := make(map[string]int64, len(ids))
	for _, id := range ids {
		rec, err := inst.RetrievePackage(id)
		if err != nil {
			return nil, err
		}
		key, slot := atom.KeySlot(rec.Atom)
		installedByKeySlot[key+":"+slot] = id
	}

	seen := make(map[int64]bool)
	keys := sortedKeys(sel)
	for _, k := range keys {
		cand := sel.chosen[k]
		if oldID, ok := installedByKeySlot[k]; ok && oldID != cand.PackageID && !seen[oldID] {
			seen[oldID] = true
			rec, err := inst.RetrievePackage(oldID)
			if err != nil {
				return nil, err
			}
			out = append(out, Candidate{PackageID: oldID, RepositoryID: inst.RepositoryID, Atom: rec.Atom})
		}
	}
	return out, nil
}

func sortedKeys(sel *selection) []string {
	keys := make([]string, 0, len(sel.chosen))
	for k := range sel.chosen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
