// Package atom implements the atom and version algebra (component C1):
// parsing and comparing package identifiers of the form
// category/name[-version][:slot][#tag][~rev], and the dependency-atom
// strings that constrain them.
//
// The shape mirrors the teacher's own Version/ProjectIdentifier split
// (golang/dep's gps.ProjectIdentifier plus gps.Version): a small value type
// carries identity, a separate comparison function establishes order, and
// parsing never panics, only returns a typed error.
package atom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/entropy-pm/entropy/entropyerr"
)

// Atom identifies a single package: category/name, an optional version and
// revision, an optional slot, and an optional tag. UseFlags records the
// use-flag conditionals attached when this Atom appears inside a dependency
// string; it is empty for a plain installed/available-package Atom.
type Atom struct {
	Category string
	Name     string
	Version  Version // zero Version (Parts == nil) means "unversioned"
	Revision int
	Slot     string
	Tag      string
	UseFlags []UseFlag
}

// UseFlag is a single conditional use-flag requirement attached to a
// dependency atom, e.g. "ssl" or "!ssl".
type UseFlag struct {
	Name     string
	Negated  bool
	Required bool // false for "ssl?" style optional conditionals
}

// Key is the (category, name) identity used for slot uniqueness (invariant 2
// in the data model: at most one installed record per key+slot).
func (a Atom) Key() string {
	return a.Category + "/" + a.Name
}

// KeySlot returns the (key, slot) pair the installed store enforces
// uniqueness over.
func KeySlot(a Atom) (key, slot string) {
	return a.Key(), a.Slot
}

// String formats an Atom back into its canonical textual form. format(parse(s))
// == s is the round-trip property from the testable-properties section.
func (a Atom) String() string {
	var b strings.Builder
	b.WriteString(a.Category)
	b.WriteByte('/')
	b.WriteString(a.Name)
	if len(a.Version.Parts) > 0 {
		b.WriteByte('-')
		b.WriteString(a.Version.String())
	}
	if a.Revision > 0 {
		fmt.Fprintf(&b, "~%d", a.Revision)
	}
	if a.Slot != "" {
		b.WriteByte(':')
		b.WriteString(a.Slot)
	}
	if a.Tag != "" {
		b.WriteByte('#')
		b.WriteString(a.Tag)
	}
	return b.String()
}

// Comparator is the relational prefix on a dependency atom string.
type Comparator int

const (
	// CompEQ is plain equality (no prefix, or "=").
	CompEQ Comparator = iota
	CompLT
	CompLE
	CompGE
	CompGT
	// CompApprox is the "~" operator: same version, any revision.
	CompApprox
)

func (c Comparator) String() string {
	switch c {
	case CompLT:
		return "<"
	case CompLE:
		return "<="
	case CompGE:
		return ">="
	case CompGT:
		return ">"
	case CompApprox:
		return "~"
	default:
		return "="
	}
}

// Dependency is a dependency-atom string: an Atom plus a relational
// comparator, blocker markers, and optional any-of alternatives.
type Dependency struct {
	Atom        Atom
	Comparator  Comparator
	Blocker     bool // "!"
	StrongBlock bool // "!!"
	AnyOf       []Dependency
}

// ParseAtom parses a plain package-identifier string (no comparator,
// blocker, or any-of group). Malformed input yields a *entropyerr.Error of
// kind Parse; comparison never fails.
func ParseAtom(s string) (Atom, error) {
	var a Atom

	rest := s

	if i := strings.IndexByte(rest, '#'); i >= 0 {
		a.Tag = rest[i+1:]
		rest = rest[:i]
		if a.Tag == "" {
			return Atom{}, entropyerr.New(entropyerr.Parse, "empty tag in atom "+s)
		}
	}

	if i := strings.IndexByte(rest, ':'); i >= 0 {
		a.Slot = rest[i+1:]
		rest = rest[:i]
		if a.Slot == "" {
			return Atom{}, entropyerr.New(entropyerr.Parse, "empty slot in atom "+s)
		}
	}

	if i := strings.IndexByte(rest, '~'); i >= 0 {
		revStr := rest[i+1:]
		rev, err := strconv.Atoi(revStr)
		if err != nil || rev < 0 {
			return Atom{}, entropyerr.Wrapf(entropyerr.Parse, err, "bad revision in atom %s", s)
		}
		a.Revision = rev
		rest = rest[:i]
	}

	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return Atom{}, entropyerr.New(entropyerr.Parse, "atom missing category/name: "+s)
	}
	a.Category = rest[:slash]
	namever := rest[slash+1:]

	// Split name from a trailing "-<version>", if one is present. A version
	// component always starts with a digit immediately after a '-'.
	name, verStr, hasVersion := splitNameVersion(namever)
	a.Name = name
	if a.Name == "" {
		return Atom{}, entropyerr.New(entropyerr.Parse, "atom missing name: "+s)
	}
	if hasVersion {
		v, err := ParseVersion(verStr)
		if err != nil {
			return Atom{}, entropyerr.Wrapf(entropyerr.Parse, err, "bad version in atom %s", s)
		}
		a.Version = v
	}

	return a, nil
}

// splitNameVersion splits "name-1.2.3_rc1" into ("name", "1.2.3_rc1", true),
// or returns (namever, "", false) if there's no "-<digit>" boundary.
func splitNameVersion(namever string) (name, version string, ok bool) {
	for i := len(namever) - 1; i > 0; i-- {
		if namever[i] == '-' && i+1 < len(namever) && isDigit(namever[i+1]) {
			return namever[:i], namever[i+1:], true
		}
	}
	return namever, "", false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// ParseDependency parses a full dependency-atom string, including the
// leading comparator, blocker markers, and "||( a b )" any-of groups.
func ParseDependency(s string) (Dependency, error) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "||(") || strings.HasPrefix(s, "|| (") {
		body := s
		body = strings.TrimPrefix(body, "||")
		body = strings.TrimSpace(body)
		if !strings.HasPrefix(body, "(") || !strings.HasSuffix(body, ")") {
			return Dependency{}, entropyerr.New(entropyerr.Parse, "malformed any-of group: "+s)
		}
		body = strings.TrimSuffix(strings.TrimPrefix(body, "("), ")")
		fields := strings.Fields(body)
		var group []Dependency
		for _, f := range fields {
			d, err := ParseDependency(f)
			if err != nil {
				return Dependency{}, err
			}
			group = append(group, d)
		}
		if len(group) == 0 {
			return Dependency{}, entropyerr.New(entropyerr.Parse, "empty any-of group: "+s)
		}
		return Dependency{AnyOf: group}, nil
	}

	var d Dependency
	rest := s

	switch {
	case strings.HasPrefix(rest, "!!"):
		d.StrongBlock = true
		rest = rest[2:]
	case strings.HasPrefix(rest, "!"):
		d.Blocker = true
		rest = rest[1:]
	}

	d.Comparator, rest = splitComparator(rest)

	useStart := strings.IndexByte(rest, '[')
	if useStart >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return Dependency{}, entropyerr.New(entropyerr.Parse, "malformed use-flag conditional: "+s)
		}
		flags, err := parseUseFlags(rest[useStart+1 : len(rest)-1])
		if err != nil {
			return Dependency{}, err
		}
		rest = rest[:useStart]
		d.Atom.UseFlags = flags
	}

	a, err := ParseAtom(rest)
	if err != nil {
		return Dependency{}, err
	}
	a.UseFlags = d.Atom.UseFlags
	d.Atom = a
	return d, nil
}

func splitComparator(s string) (Comparator, string) {
	switch {
	case strings.HasPrefix(s, "<="):
		return CompLE, s[2:]
	case strings.HasPrefix(s, ">="):
		return CompGE, s[2:]
	case strings.HasPrefix(s, "<"):
		return CompLT, s[1:]
	case strings.HasPrefix(s, ">"):
		return CompGT, s[1:]
	case strings.HasPrefix(s, "~"):
		return CompApprox, s[1:]
	case strings.HasPrefix(s, "="):
		return CompEQ, s[1:]
	default:
		return CompEQ, s
	}
}

func parseUseFlags(body string) ([]UseFlag, error) {
	var flags []UseFlag
	for _, raw := range strings.Split(body, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		f := UseFlag{Required: true}
		if strings.HasSuffix(raw, "?") {
			f.Required = false
			raw = strings.TrimSuffix(raw, "?")
		}
		if strings.HasPrefix(raw, "!") {
			f.Negated = true
			raw = raw[1:]
		}
		if raw == "" {
			return nil, entropyerr.New(entropyerr.Parse, "empty use flag in: "+body)
		}
		f.Name = raw
		flags = append(flags, f)
	}
	return flags, nil
}
