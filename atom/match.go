package atom

// UseFlagSet is the set of use flags enabled for a particular resolution,
// queried by Match when a dependency atom carries use-flag conditionals.
type UseFlagSet map[string]bool

// Match reports whether candidate satisfies dep, given the enabled set of
// use flags. It never fails — an unparsable comparator can't reach this
// function because ParseDependency already rejected it.
func Match(dep Dependency, candidate Atom, enabled UseFlagSet) bool {
	if len(dep.AnyOf) > 0 {
		return AnyOf(dep.AnyOf, candidate, enabled)
	}

	if dep.Atom.Key() != candidate.Key() {
		return false
	}
	if dep.Atom.Slot != "" && dep.Atom.Slot != candidate.Slot {
		return false
	}
	if dep.Atom.Tag != "" && dep.Atom.Tag != candidate.Tag {
		return false
	}
	if !useFlagsSatisfied(dep.Atom.UseFlags, enabled) {
		return false
	}

	cmp := CompareAtoms(dep.Atom, candidate)
	switch dep.Comparator {
	case CompEQ:
		return cmp == 0
	case CompLT:
		return cmp > 0 // dep.Atom > candidate means candidate < dep.Atom
	case CompLE:
		return cmp >= 0
	case CompGE:
		return cmp <= 0
	case CompGT:
		return cmp < 0
	case CompApprox:
		// Same upstream version, any revision.
		return CompareVersions(dep.Atom.Version, candidate.Version) == 0
	default:
		return false
	}
}

// AnyOf reports whether candidate satisfies at least one Dependency in
// group, evaluated left to right (the solver prefers the first satisfiable
// alternative, matching the source's ||( a b ) short-circuit semantics).
func AnyOf(group []Dependency, candidate Atom, enabled UseFlagSet) bool {
	for _, d := range group {
		if Match(d, candidate, enabled) {
			return true
		}
	}
	return false
}

func useFlagsSatisfied(flags []UseFlag, enabled UseFlagSet) bool {
	for _, f := range flags {
		if !f.Required {
			continue
		}
		on := enabled[f.Name]
		if f.Negated {
			on = !on
		}
		if !on {
			return false
		}
	}
	return true
}

// IsBlocker reports whether dep is a blocker ("!") or strong blocker ("!!")
// rather than an ordinary dependency constraint.
func IsBlocker(dep Dependency) bool {
	return dep.Blocker || dep.StrongBlock
}
