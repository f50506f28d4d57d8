package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/entropy-pm/entropy/entropyerr"
)

// deltaFetch reconstructs item.Dest from item.BaseArtifact (an older
// artifact already sitting in the cache) plus a small patch downloaded from
// item.DeltaPatchURL, verifying the result against item.ExpectedDigest. Any
// failure — download, decompression, patch application, or digest mismatch
// — is returned to the caller, which falls back to FetchOne's full
// download per §4.5.
func (f *Fetcher) deltaFetch(ctx context.Context, item Item, reporter *throttledReporter) error {
	if _, err := os.Stat(item.BaseArtifact); err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "base artifact unavailable for delta fetch")
	}

	patchPath := item.Dest + ".patch"
	if err := f.fetchOnce(ctx, item.DeltaPatchURL, patchPath, "", reporter.report); err != nil {
		return err
	}
	defer os.Remove(patchPath)

	patchFile, err := os.Open(patchPath)
	if err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "opening downloaded patch")
	}
	defer patchFile.Close()

	zr, err := zstd.NewReader(patchFile)
	if err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "initializing zstd decoder for patch")
	}
	defer zr.Close()

	patchOps, err := io.ReadAll(zr)
	if err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "decompressing patch")
	}

	base, err := os.ReadFile(item.BaseArtifact)
	if err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "reading base artifact")
	}

	reconstructed, err := applyPatch(base, patchOps)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(reconstructed)
	if item.ExpectedDigest != "" && hex.EncodeToString(sum[:]) != item.ExpectedDigest {
		return entropyerr.New(entropyerr.ChecksumMismatch, "reconstructed artifact digest mismatch for "+item.URL)
	}

	if err := os.MkdirAll(filepath.Dir(item.Dest), 0o755); err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "creating destination directory")
	}
	tmp := item.Dest + ".partial"
	if err := os.WriteFile(tmp, reconstructed, 0o644); err != nil {
		return entropyerr.Wrap(entropyerr.IoError, err, "writing reconstructed artifact")
	}
	if err := os.Rename(tmp, item.Dest); err != nil {
		os.Remove(tmp)
		return entropyerr.Wrap(entropyerr.IoError, err, "finalizing reconstructed artifact")
	}
	return nil
}

// Patch op tags. The patch format is a flat sequence of ops: a copy op
// references a byte range in the base artifact, an insert op carries
// literal bytes not present in the base — enough to express the difference
// between two tar streams without needing a general-purpose bsdiff
// dependency the retrieval pack doesn't carry.
const (
	opCopy   byte = 0x01
	opInsert byte = 0x02
)

// applyPatch reconstructs the target artifact from base plus a sequence of
// copy/insert ops.
//
//	copy:   [opCopy][uint64 offset][uint64 length]
//	insert: [opInsert][uint64 length][length bytes]
func applyPatch(base, ops []byte) ([]byte, error) {
	var out bytes.Buffer
	r := bytes.NewReader(ops)

	for r.Len() > 0 {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, entropyerr.Wrap(entropyerr.IoError, err, "reading patch op tag")
		}
		switch tag {
		case opCopy:
			offset, length, err := readTwoUint64(r)
			if err != nil {
				return nil, err
			}
			if offset+length > uint64(len(base)) {
				return nil, entropyerr.New(entropyerr.IoError, "patch copy op out of range")
			}
			out.Write(base[offset : offset+length])
		case opInsert:
			length, err := readUint64(r)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, length)
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, entropyerr.Wrap(entropyerr.IoError, err, "reading patch insert payload")
			}
			out.Write(buf)
		default:
			return nil, entropyerr.New(entropyerr.IoError, "unknown patch op tag")
		}
	}
	return out.Bytes(), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, entropyerr.Wrap(entropyerr.IoError, err, "reading patch length field")
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readTwoUint64(r *bytes.Reader) (uint64, uint64, error) {
	a, err := readUint64(r)
	if err != nil {
		return 0, 0, err
	}
	b, err := readUint64(r)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
