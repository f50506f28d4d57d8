package store

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropy-pm/entropy/atom"
)

func openTestStore(t *testing.T, installed bool) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, installed, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAtom(t *testing.T, s string) atom.Atom {
	t.Helper()
	a, err := atom.ParseAtom(s)
	require.NoError(t, err)
	return a
}

func TestHandlePackageInsertsAndRoundTrips(t *testing.T) {
	s := openTestStore(t, true)

	rec := &PackageRecord{
		Atom:    mustAtom(t, "sys/foo-1.0"),
		Content: []ContentEntry{{Path: "/bin/foo", Kind: KindFile}},
	}

	id, err := s.HandlePackage(rec)
	require.NoError(t, err)
	assert.NotZero(t, id)

	loaded, err := s.RetrievePackage(id)
	require.NoError(t, err)
	assert.Equal(t, "sys/foo-1.0", loaded.Atom.String())
	require.Len(t, loaded.Content, 0) // RetrievePackage doesn't eagerly load content

	stream, err := s.RetrieveContent(id)
	require.NoError(t, err)
	defer stream.Close()
	entries, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/bin/foo", entries[0].Path)
}

func TestHandlePackageUpsertsSameKeySlot(t *testing.T) {
	s := openTestStore(t, true)

	first := &PackageRecord{Atom: mustAtom(t, "sys/foo-1.0")}
	id1, err := s.HandlePackage(first)
	require.NoError(t, err)

	second := &PackageRecord{Atom: mustAtom(t, "sys/foo-2.0")}
	id2, err := s.HandlePackage(second)
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "same (key,slot) must upsert the same row, invariant 2")

	ids, err := s.AllPackageIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestAtomMatchPicksHighestVersion(t *testing.T) {
	s := openTestStore(t, false)

	for _, v := range []string{"sys/foo-1.0:1", "sys/foo-2.0:2"} {
		_, err := s.HandlePackage(&PackageRecord{Atom: mustAtom(t, v)})
		require.NoError(t, err)
	}

	dep, err := atom.ParseDependency(">=sys/foo-1.0")
	require.NoError(t, err)

	id, status, err := s.AtomMatch(dep, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusMatch, status)

	rec, err := s.RetrievePackage(id)
	require.NoError(t, err)
	assert.Equal(t, "2.0", rec.Atom.Version.String())
}

func TestAtomMatchNoMatch(t *testing.T) {
	s := openTestStore(t, false)

	dep, err := atom.ParseDependency(">=sys/foo-1.0")
	require.NoError(t, err)

	_, status, err := s.AtomMatch(dep, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoMatch, status)
}

func TestContentDiff(t *testing.T) {
	oldStore := openTestStore(t, true)
	newStore := openTestStore(t, true)

	oldID, err := oldStore.HandlePackage(&PackageRecord{
		Atom: mustAtom(t, "app/bar-1.0"),
		Content: []ContentEntry{
			{Path: "/usr/bin/bar", Kind: KindFile},
			{Path: "/usr/lib/libbar.so.1", Kind: KindFile},
		},
	})
	require.NoError(t, err)

	newID, err := newStore.HandlePackage(&PackageRecord{
		Atom: mustAtom(t, "app/bar-2.0"),
		Content: []ContentEntry{
			{Path: "/usr/bin/bar", Kind: KindFile},
		},
	})
	require.NoError(t, err)

	diff, err := ContentDiff(oldStore, oldID, newStore, newID)
	require.NoError(t, err)
	paths := diff.Collect()
	require.Len(t, paths, 1)
	assert.Equal(t, "/usr/lib/libbar.so.1", paths[0])
}

func TestAutomergeFilesRoundTrip(t *testing.T) {
	s := openTestStore(t, true)
	id, err := s.HandlePackage(&PackageRecord{Atom: mustAtom(t, "app/bar-1.0")})
	require.NoError(t, err)

	want := map[string]string{"/etc/bar.conf": "deadbeef"}
	require.NoError(t, s.InsertAutomergeFiles(id, want))

	got, err := s.RetrieveAutomergeFiles(id)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRemovePackage(t *testing.T) {
	s := openTestStore(t, true)
	id, err := s.HandlePackage(&PackageRecord{Atom: mustAtom(t, "app/bar-1.0")})
	require.NoError(t, err)

	require.NoError(t, s.RemovePackage(id))

	_, err = s.RetrievePackage(id)
	assert.Error(t, err)
}
