package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestFetchOneVerifiesDigest(t *testing.T) {
	body := []byte("package artifact contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	f := New(t.TempDir(), zerolog.Nop())

	require.NoError(t, f.FetchOne(context.Background(), srv.URL, dest, digestOf(body)))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFetchOneRejectsBadDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual contents"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	f := New(t.TempDir(), zerolog.Nop())
	f.MaxRetries = 0

	err := f.FetchOne(context.Background(), srv.URL, dest, "0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchManyDownloadsAllItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body:" + r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	items := []Item{
		{URL: srv.URL + "/a", Dest: filepath.Join(dir, "a")},
		{URL: srv.URL + "/b", Dest: filepath.Join(dir, "b")},
		{URL: srv.URL + "/c", Dest: filepath.Join(dir, "c")},
	}

	f := New(dir, zerolog.Nop())
	var reports []ProgressReport
	err := f.FetchMany(context.Background(), items, 2, func(r ProgressReport) {
		reports = append(reports, r)
	})
	require.NoError(t, err)

	for _, it := range items {
		got, err := os.ReadFile(it.Dest)
		require.NoError(t, err)
		assert.Contains(t, string(got), "body:")
	}
}

func TestFetchManyClampsParallelism(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(dir, zerolog.Nop())
	err := f.FetchMany(context.Background(), []Item{{URL: srv.URL, Dest: filepath.Join(dir, "x")}}, 50, nil)
	require.NoError(t, err)
}

func TestFetchOneRespectsCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	f := New(dir, zerolog.Nop())
	f.MaxRetries = 0

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := f.FetchOne(ctx, srv.URL, filepath.Join(dir, "slow"), "")
	assert.Error(t, err)
}

func buildZstdPatch(t *testing.T, ops []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(ops)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func encodeCopyOp(offset, length uint64) []byte {
	buf := make([]byte, 17)
	buf[0] = opCopy
	putUint64(buf[1:9], offset)
	putUint64(buf[9:17], length)
	return buf
}

func encodeInsertOp(payload []byte) []byte {
	buf := make([]byte, 9+len(payload))
	buf[0] = opInsert
	putUint64(buf[1:9], uint64(len(payload)))
	copy(buf[9:], payload)
	return buf
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func TestDeltaFetchReconstructsArtifact(t *testing.T) {
	base := []byte("HEADER:common-prefix-bytes:TAIL")
	want := []byte("HEADER:common-prefix-bytes:NEWTAIL-with-more-content")

	var ops bytes.Buffer
	ops.Write(encodeCopyOp(0, 27)) // "HEADER:common-prefix-bytes:"
	ops.Write(encodeInsertOp([]byte("NEWTAIL-with-more-content")))
	patch := buildZstdPatch(t, ops.Bytes())

	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.artifact")
	require.NoError(t, os.WriteFile(basePath, base, 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(patch)
	}))
	defer srv.Close()

	f := New(dir, zerolog.Nop())
	item := Item{
		URL:            srv.URL + "/artifact",
		Dest:           filepath.Join(dir, "new.artifact"),
		ExpectedDigest: digestOf(want),
		DeltaPatchURL:  srv.URL + "/patch",
		BaseArtifact:   basePath,
	}

	require.NoError(t, f.deltaFetch(context.Background(), item, newThrottledReporter(item.URL, nil, time.Second)))

	got, err := os.ReadFile(item.Dest)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestApplyPatchRejectsOutOfRangeCopy(t *testing.T) {
	base := []byte("short")
	ops := encodeCopyOp(0, 1000)
	_, err := applyPatch(base, ops)
	assert.Error(t, err)
}
