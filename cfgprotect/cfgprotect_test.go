package cfgprotect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySkipBeatsProtect(t *testing.T) {
	l := Lists{Protect: []string{"/etc"}, Skip: []string{"/etc/entropy"}}
	assert.Equal(t, Overwrite, l.Classify("/etc/entropy/repos.d/main", true))
	assert.Equal(t, Protected, l.Classify("/etc/bar.conf", true))
}

func TestClassifyMaskForcesProtectionEvenOutsideProtectList(t *testing.T) {
	l := Lists{Mask: []string{"/opt/app/special.cfg"}}
	assert.Equal(t, Protected, l.Classify("/opt/app/special.cfg", true))
	assert.Equal(t, Overwrite, l.Classify("/opt/app/other.cfg", true))
}

func TestClassifyNewFileAlwaysOverwrites(t *testing.T) {
	l := Lists{Protect: []string{"/etc"}}
	assert.Equal(t, Overwrite, l.Classify("/etc/new.conf", false))
}

func TestDecideAutoMergesWhenUnmodified(t *testing.T) {
	content := []byte("server { listen 80; }")
	sum := md5Hex(content)

	dir := t.TempDir()
	dest := filepath.Join(dir, "nginx.conf")

	stash, update, err := Decide(dest, content, sum, 7, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "", stash)
	assert.Nil(t, update)
}

func TestDecideStashesWhenModified(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "nginx.conf")
	require.NoError(t, os.WriteFile(dest, []byte("live, user-edited"), 0o644))

	stash, update, err := Decide(dest, []byte("new package content"), "deadbeef", 7, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.FileExists(t, stash)
	assert.Equal(t, dest, update.DestinationPath)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "live, user-edited", string(got), "live file must be left untouched")
}

func TestConfigurationFilesScansStashes(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "nginx.conf")
	require.NoError(t, os.WriteFile(dest, []byte("live"), 0o644))
	stash := dest + "._cfg0000"
	require.NoError(t, os.WriteFile(stash, []byte("pending"), 0o644))

	updates, err := ConfigurationFiles(dir)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, dest, updates[0].DestinationPath)
	assert.Equal(t, stash, updates[0].SourcePath)
}

func TestMergeCopiesStashIntoDestinationAndRemovesStash(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "nginx.conf")
	require.NoError(t, os.WriteFile(dest, []byte("live"), 0o644))
	stash := dest + "._cfg0000"
	require.NoError(t, os.WriteFile(stash, []byte("pending"), 0o644))

	require.NoError(t, Merge(Update{SourcePath: stash, DestinationPath: dest}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "pending", string(got))
	_, err = os.Stat(stash)
	assert.True(t, os.IsNotExist(err))
}

func TestDiscardRemovesStashOnly(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "nginx.conf")
	require.NoError(t, os.WriteFile(dest, []byte("live"), 0o644))
	stash := dest + "._cfg0000"
	require.NoError(t, os.WriteFile(stash, []byte("pending"), 0o644))

	require.NoError(t, Discard(Update{SourcePath: stash, DestinationPath: dest}))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "live", string(got))
	_, err = os.Stat(stash)
	assert.True(t, os.IsNotExist(err))
}
