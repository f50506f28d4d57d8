// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fs provides the atomic-swap filesystem primitives the package
// action engine (C6) uses to move an unpacked image tree into a live root:
// same-filesystem rename where possible, copy+fsync+rename+unlink fallback
// across filesystem boundaries, and the file-classification helpers the
// image→root merge and content-diff algorithms need.
//
// Adapted from the teacher's internal/fs package: RenameWithFallback's
// cross-device fallback, CopyDir/copyFile/cloneSymlink, and the
// IsDir/IsNonEmptyDir/IsRegular/IsSymlink family are kept close to the
// original shape. The Windows-specific long-path and volume-name handling
// is dropped — entropy targets a Linux root filesystem only.
package fs

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode"

	"github.com/pkg/errors"
)

// HasFilepathPrefix determines if path starts with prefix from the point of
// view of a filesystem: it is path-component aware (so /foo and /foobar are
// not considered to share a prefix) and treats two paths as equal on a
// case-insensitive mount by consulting isCaseSensitiveFilesystem per
// component — the same heuristic the content-diff case-insensitive-path
// handling relies on.
func HasFilepathPrefix(path, prefix string) bool {
	var dn string
	if isDir, err := IsDir(path); err != nil {
		return false
	} else if isDir {
		dn = path
	} else {
		dn = filepath.Dir(path)
	}

	dn = strings.TrimSuffix(dn, string(os.PathSeparator))
	prefix = strings.TrimSuffix(prefix, string(os.PathSeparator))

	dirs := strings.Split(dn, string(os.PathSeparator))[1:]
	prefixes := strings.Split(prefix, string(os.PathSeparator))[1:]

	if len(prefixes) > len(dirs) {
		return false
	}

	d, p := "", ""
	for i := range prefixes {
		if isCaseSensitiveFilesystem(filepath.Join(d, dirs[i])) {
			d = filepath.Join(d, dirs[i])
			p = filepath.Join(p, prefixes[i])
		} else {
			d = filepath.Join(d, strings.ToLower(dirs[i]))
			p = filepath.Join(p, strings.ToLower(prefixes[i]))
		}
		if p != d {
			return false
		}
	}
	return true
}

// RenameWithFallback attempts to rename a file or directory, falling back
// to a copy+rename+delete when src and dst are on different filesystems (the
// image directory under the configured unpack root and the live root are
// not guaranteed to share a filesystem). If the fallback copy succeeds, src
// is still removed, emulating normal rename behavior.
func RenameWithFallback(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return errors.Wrapf(err, "cannot stat %s", src)
	}

	if fi, err := os.Stat(dst); fi != nil && fi.IsDir() && err == nil {
		if srcfi, serr := os.Stat(src); serr == nil && srcfi.IsDir() {
			return errors.Errorf("cannot rename directory %s to existing dst %s", src, dst)
		}
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	return renameFallback(err, src, dst)
}

// renameFallback falls back to a copy when the rename failed because src
// and dst are on different devices (syscall.EXDEV), and otherwise returns
// the original error.
func renameFallback(err error, src, dst string) error {
	terr, ok := err.(*os.LinkError)
	if !ok {
		return err
	}
	if terr.Err != syscall.EXDEV {
		return errors.Wrapf(terr, "link error: cannot rename %s to %s", src, dst)
	}
	return renameByCopy(src, dst)
}

// renameByCopy emulates rename across filesystem boundaries: copy (with
// fsync) to a temporary name beside dst, rename that into place, then
// remove the source.
func renameByCopy(src, dst string) error {
	tmp := dst + ".entropy-tmp"
	var cerr error
	if dir, _ := IsDir(src); dir {
		cerr = CopyDir(src, tmp)
		if cerr != nil {
			cerr = errors.Wrap(cerr, "copying directory failed")
		}
	} else {
		cerr = copyFile(src, tmp)
		if cerr != nil {
			cerr = errors.Wrap(cerr, "copying file failed")
		}
	}
	if cerr != nil {
		os.RemoveAll(tmp)
		return errors.Wrapf(cerr, "rename fallback failed: cannot rename %s to %s", src, dst)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrapf(err, "rename fallback failed: cannot rename %s to %s", tmp, dst)
	}
	return errors.Wrapf(os.RemoveAll(src), "cannot delete %s", src)
}

// isCaseSensitiveFilesystem determines if the filesystem where dir exists
// is case sensitive, by flipping the case of the last path component and
// checking whether the alternate name resolves to the same inode.
func isCaseSensitiveFilesystem(dir string) bool {
	alt := filepath.Join(filepath.Dir(dir), genTestFilename(filepath.Base(dir)))

	dInfo, err := os.Stat(dir)
	if err != nil {
		return true
	}
	aInfo, err := os.Stat(alt)
	if err != nil {
		return true
	}
	return !os.SameFile(dInfo, aInfo)
}

func genTestFilename(str string) string {
	flip := true
	return strings.Map(func(r rune) rune {
		if flip {
			if unicode.IsLower(r) {
				u := unicode.ToUpper(r)
				if unicode.ToLower(u) == r {
					r = u
					flip = false
				}
			} else if unicode.IsUpper(r) {
				l := unicode.ToLower(r)
				if unicode.ToUpper(l) == r {
					r = l
					flip = false
				}
			}
		}
		return r
	}, str)
}

var (
	errSrcNotDir = errors.New("source is not a directory")
	errDstExist  = errors.New("destination already exists")
)

// CopyDir recursively copies a directory tree, preserving permissions.
// Source must exist and be a directory; destination must not already
// exist.
func CopyDir(src, dst string) error {
	src = filepath.Clean(src)
	dst = filepath.Clean(dst)

	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errSrcNotDir
	}

	if _, err := os.Stat(dst); err == nil {
		return errDstExist
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.MkdirAll(dst, fi.Mode()); err != nil {
		return errors.Wrapf(err, "cannot mkdir %s", dst)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return errors.Wrapf(err, "cannot read directory %s", src)
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := CopyDir(srcPath, dstPath); err != nil {
				return errors.Wrap(err, "copying directory failed")
			}
		} else {
			if err := copyFile(srcPath, dstPath); err != nil {
				return errors.Wrap(err, "copying file failed")
			}
		}
	}
	return nil
}

// copyFile copies src to dst, preserving symlinks as symlinks and regular
// files' mode bits, syncing to stable storage before returning.
func copyFile(src, dst string) (err error) {
	if sym, serr := IsSymlink(src); serr != nil {
		return errors.Wrap(serr, "symlink check failed")
	} else if sym {
		return cloneSymlink(src, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}

	si, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, si.Mode())
}

// cloneSymlink creates a new symlink at dst pointing wherever sl points.
func cloneSymlink(sl, dst string) error {
	resolved, err := os.Readlink(sl)
	if err != nil {
		return err
	}
	return os.Symlink(resolved, dst)
}

// IsDir determines whether name is a directory.
func IsDir(name string) (bool, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return false, err
	}
	if !fi.IsDir() {
		return false, errors.Errorf("%q is not a directory", name)
	}
	return true, nil
}

// IsNonEmptyDir determines whether name is a directory with at least one
// entry.
func IsNonEmptyDir(name string) (bool, error) {
	isDir, err := IsDir(name)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	} else if !isDir {
		return false, nil
	}

	f, err := os.Open(name)
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	switch err {
	case io.EOF:
		return false, nil
	case nil:
		return true, nil
	default:
		return false, err
	}
}

// IsRegular determines whether name is a regular file.
func IsRegular(name string) (bool, error) {
	fi, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if mode := fi.Mode(); mode&os.ModeType != 0 {
		return false, errors.Errorf("%q is a %v, expected a file", name, mode)
	}
	return true, nil
}

// IsSymlink determines whether path is a symbolic link.
func IsSymlink(path string) (bool, error) {
	l, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	return l.Mode()&os.ModeSymlink == os.ModeSymlink, nil
}
