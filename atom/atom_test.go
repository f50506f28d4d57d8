package atom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAtomRoundTrip(t *testing.T) {
	cases := []string{
		"sys/foo",
		"sys/foo-1.0",
		"sys/foo-1.0~1",
		"app/bar-2.3.4_rc1:2",
		"app/bar-2.3.4_rc1:2#stable",
		"lib/baz-1.0b",
	}

	for _, s := range cases {
		s := s
		t.Run(s, func(t *testing.T) {
			a, err := ParseAtom(s)
			require.NoError(t, err)
			assert.Equal(t, s, a.String())
		})
	}
}

func TestParseAtomRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"noslash",
		"sys/",
		"/foo",
		"sys/foo:",
		"sys/foo#",
	}

	for _, s := range cases {
		_, err := ParseAtom(s)
		assert.Error(t, err, "expected parse error for %q", s)
	}
}

func TestKeySlot(t *testing.T) {
	a, err := ParseAtom("app/bar-2.0:2")
	require.NoError(t, err)

	key, slot := KeySlot(a)
	assert.Equal(t, "app/bar", key)
	assert.Equal(t, "2", slot)
}

func TestParseDependencyAnyOf(t *testing.T) {
	d, err := ParseDependency("||( >=app/bar-1.0 app/baz-2.0 )")
	require.NoError(t, err)
	require.Len(t, d.AnyOf, 2)
	assert.Equal(t, CompGE, d.AnyOf[0].Comparator)
}

func TestParseDependencyBlockers(t *testing.T) {
	d, err := ParseDependency("!!app/old-1.0")
	require.NoError(t, err)
	assert.True(t, d.StrongBlock)
	assert.True(t, IsBlocker(d))
}

func TestParseDependencyUseFlags(t *testing.T) {
	d, err := ParseDependency(">=app/bar-1.0[ssl,!static?]")
	require.NoError(t, err)
	require.Len(t, d.Atom.UseFlags, 2)
	assert.Equal(t, "ssl", d.Atom.UseFlags[0].Name)
	assert.True(t, d.Atom.UseFlags[0].Required)
	assert.Equal(t, "static", d.Atom.UseFlags[1].Name)
	assert.True(t, d.Atom.UseFlags[1].Negated)
	assert.False(t, d.Atom.UseFlags[1].Required)
}

func TestMatchComparators(t *testing.T) {
	cand, err := ParseAtom("app/bar-2.0")
	require.NoError(t, err)

	cases := []struct {
		dep   string
		match bool
	}{
		{"app/bar-2.0", true},
		{"app/bar-1.0", false},
		{">=app/bar-1.0", true},
		{">=app/bar-2.0", true},
		{">app/bar-2.0", false},
		{"<app/bar-3.0", true},
		{"<=app/bar-2.0", true},
		{"~app/bar-2.0", true},
	}

	for _, c := range cases {
		d, err := ParseDependency(c.dep)
		require.NoError(t, err)
		assert.Equalf(t, c.match, Match(d, cand, nil), "dep %q against %s", c.dep, cand)
	}
}

func TestMatchRespectsSlotAndTag(t *testing.T) {
	cand, err := ParseAtom("app/bar-2.0:2#stable")
	require.NoError(t, err)

	d, err := ParseDependency("app/bar-2.0:3")
	require.NoError(t, err)
	assert.False(t, Match(d, cand, nil))

	d, err = ParseDependency("app/bar-2.0:2")
	require.NoError(t, err)
	assert.True(t, Match(d, cand, nil))

	d, err = ParseDependency("app/bar-2.0:2#testing")
	require.NoError(t, err)
	assert.False(t, Match(d, cand, nil))

	d, err = ParseDependency("app/bar-2.0:2#stable")
	require.NoError(t, err)
	assert.True(t, Match(d, cand, nil))
}
