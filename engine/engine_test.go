package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/entropy-pm/entropy/atom"
	"github.com/entropy-pm/entropy/cfgprotect"
	"github.com/entropy-pm/entropy/preserve"
	"github.com/entropy-pm/entropy/store"
)

var footerMagic = [8]byte{'e', 'n', 't', 'r', 'o', 'p', 'y', '1'}

// buildArtifact assembles a minimal zstd-compressed tar+footer artifact
// containing files, matching internal/archive's container format, without
// reaching into that package's unexported test helpers.
func buildArtifact(t *testing.T, dest string, files map[string]string) {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	payload := tarBuf.Bytes()
	dumpOffset := uint64(len(payload))
	meta := []byte("arch=" + "amd64")

	var out bytes.Buffer
	out.Write(payload)
	out.Write(meta)
	var footer [16]byte
	binary.BigEndian.PutUint64(footer[:8], dumpOffset)
	copy(footer[8:], footerMagic[:])
	out.Write(footer[:])

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(out.Bytes(), nil)
	require.NoError(t, enc.Close())

	require.NoError(t, os.WriteFile(dest, compressed, 0o644))
}

func newTestEngine(t *testing.T) (*Engine, *store.RepositorySet, string) {
	t.Helper()
	dir := t.TempDir()

	installed, err := store.Open(filepath.Join(dir, "installed.db"), true, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { installed.Close() })

	repo, err := store.Open(filepath.Join(dir, "repo.db"), false, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	repos := store.NewRepositorySet()
	repos.Add(0, installed, "")
	repos.Add(1, repo, "")

	libDir := filepath.Join(dir, "preserved-libs")
	lib, err := preserve.Open(filepath.Join(libDir, "registry.toml"), libDir, zerolog.Nop())
	require.NoError(t, err)

	opts := Options{
		Root:             filepath.Join(dir, "root"),
		UnpackRoot:       filepath.Join(dir, "unpack"),
		PreservedLibsDir: libDir,
		ConfigStashDir:   filepath.Join(dir, "stash"),
		Lists:            cfgprotect.Lists{},
		Strict:           true,
	}

	e := New(repos, nil, lib, opts, zerolog.Nop())
	return e, repos, dir
}

func writeArtifactFor(t *testing.T, e *Engine, downloadURL string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(e.Opts.UnpackRoot, sanitizeDownloadPath(downloadURL))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	buildArtifact(t, filepath.Join(dir, "artifact"), files)
}

func TestEngineInstallMergesFilesIntoRoot(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	repo, err := repos.Store(1)
	require.NoError(t, err)

	rec := &store.PackageRecord{
		Atom: atom.Atom{Category: "app", Name: "hello", Version: atom.Version{Parts: []int{1}}},
		Content: []store.ContentEntry{
			{Path: "usr/bin/hello", Kind: store.KindFile},
		},
		DownloadURL: "http://example.invalid/hello-1.pkg",
	}
	id, err := repo.HandlePackage(rec)
	require.NoError(t, err)

	writeArtifactFor(t, e, rec.DownloadURL, map[string]string{"usr/bin/hello": "echo hi\n"})

	item := &ActionQueueItem{Action: Install, PackageID: id, RepositoryID: 1, Authorized: true}
	err = e.Execute(context.Background(), item, nil)
	require.NoError(t, err)
	require.Equal(t, Done, item.State)

	got, err := os.ReadFile(filepath.Join(e.Opts.Root, "usr/bin/hello"))
	require.NoError(t, err)
	require.Equal(t, "echo hi\n", string(got))

	_, err = os.Stat(item.UnpackDir)
	require.True(t, os.IsNotExist(err), "cleanup should have removed the scratch directory")

	installed, err := repos.Installed()
	require.NoError(t, err)
	ids, err := installed.AllPackageIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestEngineRemoveDeletesContentAndRejectsSystemCritical(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	installed, err := repos.Installed()
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(e.Opts.Root, "usr/bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.Opts.Root, "usr/bin/hello"), []byte("x"), 0o644))

	rec := &store.PackageRecord{
		Atom: atom.Atom{Category: "app", Name: "hello", Version: atom.Version{Parts: []int{1}}},
		Content: []store.ContentEntry{
			{Path: "usr/bin", Kind: store.KindDir},
			{Path: "usr/bin/hello", Kind: store.KindFile},
		},
	}
	id, err := installed.HandlePackage(rec)
	require.NoError(t, err)

	item := &ActionQueueItem{Action: Remove, PackageID: id, Authorized: true}
	err = e.Execute(context.Background(), item, nil)
	require.NoError(t, err)
	require.Equal(t, Done, item.State)

	_, err = os.Stat(filepath.Join(e.Opts.Root, "usr/bin/hello"))
	require.True(t, os.IsNotExist(err))

	critical := &store.PackageRecord{
		Atom:           atom.Atom{Category: "sys", Name: "libc", Version: atom.Version{Parts: []int{1}}},
		SystemCritical: true,
	}
	critID, err := installed.HandlePackage(critical)
	require.NoError(t, err)

	item2 := &ActionQueueItem{Action: Remove, PackageID: critID, Authorized: true}
	err = e.Execute(context.Background(), item2, nil)
	require.Error(t, err)
	require.Equal(t, Failed, item2.State)
}

func TestEngineExecuteRejectsUnauthorized(t *testing.T) {
	e, _, _ := newTestEngine(t)
	item := &ActionQueueItem{Action: Install, Authorized: false}
	err := e.Execute(context.Background(), item, nil)
	require.Error(t, err)
}

func TestEngineExecuteHonorsCancellation(t *testing.T) {
	e, repos, _ := newTestEngine(t)
	repo, err := repos.Store(1)
	require.NoError(t, err)

	rec := &store.PackageRecord{
		Atom:        atom.Atom{Category: "app", Name: "hello", Version: atom.Version{Parts: []int{1}}},
		DownloadURL: "http://example.invalid/hello-1.pkg",
	}
	id, err := repo.HandlePackage(rec)
	require.NoError(t, err)
	writeArtifactFor(t, e, rec.DownloadURL, map[string]string{"usr/bin/hello": "x"})

	item := &ActionQueueItem{Action: Install, PackageID: id, RepositoryID: 1, Authorized: true}
	err = e.Execute(context.Background(), item, func() bool { return true })
	require.Error(t, err)
	require.Equal(t, Cancelled, item.State)
}
