package solver

import (
	"github.com/entropy-pm/entropy/store"
)

// Orphaned scans the installed store for packages installed only as a
// dependency (InstallSource == SourceDependency) that no other installed
// package depends on any more. It splits them into manualReview — orphans
// the user should look at before removing, because they are marked world,
// carry install triggers or are marked system-critical — and safeToRemove —
// ordinary orphaned leaves.
func Orphaned(inst *store.Store) (manualReview, safeToRemove []int64, err error) {
	ids, err := inst.AllPackageIDs()
	if err != nil {
		return nil, nil, err
	}

	for _, id := range ids {
		rec, err := inst.RetrievePackage(id)
		if err != nil {
			return nil, nil, err
		}
		if rec.InstallSource != store.SourceDependency {
			continue
		}

		dependents, err := inst.RetrieveDepends(id)
		if err != nil {
			return nil, nil, err
		}
		if len(dependents) > 0 {
			continue
		}

		if rec.World || rec.SystemCritical || len(rec.Triggers) > 0 {
			manualReview = append(manualReview, id)
		} else {
			safeToRemove = append(safeToRemove, id)
		}
	}

	return manualReview, safeToRemove, nil
}
