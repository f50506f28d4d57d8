// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasFilepathPrefix(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "foo", "bar")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	assert.True(t, HasFilepathPrefix(sub, filepath.Join(dir, "foo")))
	assert.False(t, HasFilepathPrefix(filepath.Join(dir, "foobar"), filepath.Join(dir, "foo")))
}

func TestRenameWithFallbackMovesFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	require.NoError(t, RenameWithFallback(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestRenameWithFallbackMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := RenameWithFallback(filepath.Join(dir, "missing"), filepath.Join(dir, "dst"))
	assert.Error(t, err)
}

func TestCopyDirRecursive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "deep.txt"), []byte("deep"), 0o644))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, CopyDir(src, dst))

	got, err := os.ReadFile(filepath.Join(dst, "nested", "deep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "deep", string(got))
}

func TestCopyDirFailsWhenDestinationExists(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	assert.Error(t, CopyDir(src, dst))
}

func TestCopyDirFailsWhenSourceIsNotADir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	assert.Error(t, CopyDir(src, filepath.Join(dir, "dst")))
}

func TestCopyFilePreservesSymlinks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0o755))
	target := filepath.Join(src, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(src, "link")))

	out := filepath.Join(dir, "out")
	require.NoError(t, CopyDir(src, out))

	isLink, err := IsSymlink(filepath.Join(out, "link"))
	require.NoError(t, err)
	assert.True(t, isLink)
}

func TestIsDir(t *testing.T) {
	dir := t.TempDir()
	isDir, err := IsDir(dir)
	require.NoError(t, err)
	assert.True(t, isDir)

	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = IsDir(file)
	assert.Error(t, err)
}

func TestIsNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))

	nonEmpty, err := IsNonEmptyDir(empty)
	require.NoError(t, err)
	assert.False(t, nonEmpty)

	require.NoError(t, os.WriteFile(filepath.Join(empty, "f"), []byte("x"), 0o644))
	nonEmpty, err = IsNonEmptyDir(empty)
	require.NoError(t, err)
	assert.True(t, nonEmpty)
}

func TestIsRegular(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	reg, err := IsRegular(file)
	require.NoError(t, err)
	assert.True(t, reg)

	_, err = IsRegular(dir)
	assert.Error(t, err)

	reg, err = IsRegular(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, reg)
}

func TestIsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	isLink, err := IsSymlink(link)
	require.NoError(t, err)
	assert.True(t, isLink)

	isLink, err = IsSymlink(target)
	require.NoError(t, err)
	assert.False(t, isLink)
}
