package atom

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/entropy-pm/entropy/entropyerr"
)

// Suffix is one of the Gentoo-style release-suffix classes. Ordering among
// them (alpha < beta < pre < rc < none < p) is the second tier of version
// comparison, after the numeric component comparison.
type Suffix int

const (
	SuffixAlpha Suffix = iota
	SuffixBeta
	SuffixPre
	SuffixRC
	SuffixNone
	SuffixP
)

var suffixNames = map[string]Suffix{
	"alpha": SuffixAlpha,
	"beta":  SuffixBeta,
	"pre":   SuffixPre,
	"rc":    SuffixRC,
	"p":     SuffixP,
}

var suffixStrings = map[Suffix]string{
	SuffixAlpha: "alpha",
	SuffixBeta:  "beta",
	SuffixPre:   "pre",
	SuffixRC:    "rc",
	SuffixP:     "p",
}

// Version is a parsed upstream version string: a left-to-right sequence of
// numeric components, an optional suffix class with its own numeric
// argument, and an optional trailing single-letter bump (e.g. "1.2b").
//
// Version intentionally carries no Revision field; Revision lives on Atom,
// independent of upstream version per the data model.
type Version struct {
	Parts      []int
	Suffix     Suffix
	SuffixNum  int // numeric argument after the suffix, e.g. "_rc2" -> 2
	Letter     byte
}

// ParseVersion parses a bare version string such as "1.2.3_rc1b". It
// returns a typed Parse error for an empty or non-numeric version
// component and for an unrecognized suffix keyword.
func ParseVersion(s string) (Version, error) {
	var v Version

	rest := s

	// Trailing single-letter bump: a lowercase letter directly after the
	// last numeric or suffix-numeric character, with nothing after it.
	if n := len(rest); n > 0 {
		last := rest[n-1]
		if last >= 'a' && last <= 'z' && n > 1 && isDigit(rest[n-2]) {
			v.Letter = last
			rest = rest[:n-1]
		}
	}

	if i := strings.IndexByte(rest, '_'); i >= 0 {
		suffixBody := rest[i+1:]
		rest = rest[:i]

		name := suffixBody
		num := ""
		for j := 0; j < len(suffixBody); j++ {
			if isDigit(suffixBody[j]) {
				name = suffixBody[:j]
				num = suffixBody[j:]
				break
			}
		}
		kind, ok := suffixNames[name]
		if !ok {
			return Version{}, entropyerr.New(entropyerr.Parse, "unknown version suffix: "+suffixBody)
		}
		v.Suffix = kind
		if num != "" {
			n, err := strconv.Atoi(num)
			if err != nil {
				return Version{}, entropyerr.Wrap(entropyerr.Parse, err, "bad suffix number in "+suffixBody)
			}
			v.SuffixNum = n
		}
	} else {
		v.Suffix = SuffixNone
	}

	for _, part := range strings.Split(rest, ".") {
		if part == "" {
			return Version{}, entropyerr.New(entropyerr.Parse, "empty version component in "+s)
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, entropyerr.Wrap(entropyerr.Parse, err, "bad version component in "+s)
		}
		v.Parts = append(v.Parts, n)
	}

	return v, nil
}

// String formats a Version back to its canonical textual form.
func (v Version) String() string {
	var b strings.Builder
	for i, p := range v.Parts {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%d", p)
	}
	if v.Suffix != SuffixNone {
		b.WriteByte('_')
		b.WriteString(suffixStrings[v.Suffix])
		if v.SuffixNum != 0 {
			fmt.Fprintf(&b, "%d", v.SuffixNum)
		}
	}
	if v.Letter != 0 {
		b.WriteByte(v.Letter)
	}
	return b.String()
}

// CompareVersions implements the total order required by §8's version-order
// totality property: exactly one of {-1,0,1} for any pair, and
// cmp(a,b) == -cmp(b,a). It never fails.
func CompareVersions(a, b Version) int {
	if c := compareParts(a.Parts, b.Parts); c != 0 {
		return c
	}
	if a.Suffix != b.Suffix {
		if a.Suffix < b.Suffix {
			return -1
		}
		return 1
	}
	if a.SuffixNum != b.SuffixNum {
		if a.SuffixNum < b.SuffixNum {
			return -1
		}
		return 1
	}
	if a.Letter != b.Letter {
		if a.Letter < b.Letter {
			return -1
		}
		return 1
	}
	return 0
}

func compareParts(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CompareAtoms orders two Atoms of the same key+slot by (Version, Revision),
// the tie-break order atom_match uses among same-key+slot candidates.
func CompareAtoms(a, b Atom) int {
	if c := CompareVersions(a.Version, b.Version); c != 0 {
		return c
	}
	if a.Revision != b.Revision {
		if a.Revision < b.Revision {
			return -1
		}
		return 1
	}
	return 0
}
