package preserve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLib(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPreserveRetainsAndRecords(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib", "libfoo.so.1")
	writeLib(t, lib, "sofoo")

	reg, err := Open(filepath.Join(dir, "registry.toml"), filepath.Join(dir, "preserved"), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, reg.Preserve("libfoo.so.1", lib, 42))

	_, err = os.Stat(lib)
	assert.True(t, os.IsNotExist(err))

	e, ok := reg.Lookup("libfoo.so.1")
	require.True(t, ok)
	assert.Equal(t, int64(42), e.PreservingPackageID)

	got, err := os.ReadFile(e.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, "sofoo", string(got))
}

func TestPreserveReloadsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib", "libfoo.so.1")
	writeLib(t, lib, "sofoo")

	regPath := filepath.Join(dir, "registry.toml")
	preservedDir := filepath.Join(dir, "preserved")

	reg, err := Open(regPath, preservedDir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Preserve("libfoo.so.1", lib, 1))

	reopened, err := Open(regPath, preservedDir, zerolog.Nop())
	require.NoError(t, err)
	_, ok := reopened.Lookup("libfoo.so.1")
	assert.True(t, ok)
}

func TestPreserveDistinctProvisionOnDifferentInode(t *testing.T) {
	dir := t.TempDir()
	lib1 := filepath.Join(dir, "a", "libfoo.so.1")
	lib2 := filepath.Join(dir, "b", "libfoo.so.1")
	writeLib(t, lib1, "first")
	writeLib(t, lib2, "second")

	reg, err := Open(filepath.Join(dir, "registry.toml"), filepath.Join(dir, "preserved"), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, reg.Preserve("libfoo.so.1", lib1, 1))
	require.NoError(t, reg.Preserve("libfoo.so.1", lib2, 2))

	original, ok := reg.Lookup("libfoo.so.1")
	require.True(t, ok)
	got, err := os.ReadFile(original.OriginalPath)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got), "original entry's path must not be rewritten")
}

func TestGCRemovesUnneededEntries(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib", "libfoo.so.1")
	writeLib(t, lib, "sofoo")

	reg, err := Open(filepath.Join(dir, "registry.toml"), filepath.Join(dir, "preserved"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Preserve("libfoo.so.1", lib, 1))

	require.NoError(t, reg.GC(func(soname string) (bool, error) { return false, nil }))

	_, ok := reg.Lookup("libfoo.so.1")
	assert.False(t, ok)
}

func TestGCKeepsStillNeededEntries(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib", "libfoo.so.1")
	writeLib(t, lib, "sofoo")

	reg, err := Open(filepath.Join(dir, "registry.toml"), filepath.Join(dir, "preserved"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Preserve("libfoo.so.1", lib, 1))

	require.NoError(t, reg.GC(func(soname string) (bool, error) { return true, nil }))

	_, ok := reg.Lookup("libfoo.so.1")
	assert.True(t, ok)
}
