package archive

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArtifact(t *testing.T, arch string, files map[string]string) string {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	meta := []byte("arch=" + arch)

	var payload bytes.Buffer
	payload.Write(tarBuf.Bytes())
	dumpOffset := uint64(payload.Len())
	payload.Write(meta)

	footer := make([]byte, footerSize)
	binary.BigEndian.PutUint64(footer[:8], dumpOffset)
	copy(footer[8:], footerMagic[:])
	payload.Write(footer)

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write(payload.Bytes())
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.tar.zst")
	require.NoError(t, os.WriteFile(path, compressed.Bytes(), 0o644))
	return path
}

func parseArch(raw []byte) (Metadata, error) {
	s := string(raw)
	const prefix = "arch="
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return Metadata{Arch: s[len(prefix):], Raw: raw}, nil
	}
	return Metadata{Raw: raw}, nil
}

func TestExtractUnpacksFilesAndMetadata(t *testing.T) {
	path := buildArtifact(t, runtime.GOARCH, map[string]string{
		"usr/bin/tool": "binary contents",
		"etc/tool.cfg": "config contents",
	})

	dest := filepath.Join(t.TempDir(), "image")
	meta, err := Extract(path, dest, parseArch)
	require.NoError(t, err)
	assert.Equal(t, runtime.GOARCH, meta.Arch)

	got, err := os.ReadFile(filepath.Join(dest, "usr/bin/tool"))
	require.NoError(t, err)
	assert.Equal(t, "binary contents", string(got))
}

func TestExtractRefusesArchMismatch(t *testing.T) {
	path := buildArtifact(t, "bogus-arch", map[string]string{"f": "x"})
	dest := filepath.Join(t.TempDir(), "image")
	_, err := Extract(path, dest, parseArch)
	require.Error(t, err)
}

func TestExtractRejectsTruncatedFooter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tar.zst")

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write([]byte("short"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	require.NoError(t, os.WriteFile(path, compressed.Bytes(), 0o644))

	_, err = Extract(path, filepath.Join(dir, "image"), parseArch)
	require.Error(t, err)
}
