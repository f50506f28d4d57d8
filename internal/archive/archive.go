// Package archive extracts entropy package artifacts: a zstd-compressed
// tar stream whose trailing bytes are a concatenation of an embedded
// metadata database dump and a fixed-size footer encoding that dump's
// offset (external interfaces, §6).
//
// Grounded on the teacher's gps.WriteDepTree/pkgtree's tree-walking idiom
// for the extraction loop (entry-by-entry io.Copy into a destination
// directory) and on klauspost/compress/zstd, already required by go.mod
// for the fetcher's delta-patch decompression, reused here for the
// artifact container format itself.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/entropy-pm/entropy/entropyerr"
)

// footerSize is the fixed trailing record: an 8-byte big-endian offset
// (from the start of the decompressed stream) to where the metadata dump
// begins, followed by an 8-byte magic sentinel so a truncated artifact is
// detected rather than misread as a valid footer.
const footerSize = 16

var footerMagic = [8]byte{'e', 'n', 't', 'r', 'o', 'p', 'y', '1'}

// Metadata is the embedded database dump's parsed form: the fields
// extraction itself needs before unpacking the tar body (data model §6,
// "the metadata's arch field").
type Metadata struct {
	Arch string
	Raw  []byte // full dump, handed to the caller for store.HandlePackage
}

// ParseMetadataDump is supplied by the caller (store package) to turn the
// raw metadata dump bytes sliced out of the artifact into a Metadata value.
// Kept as an injected function rather than an import of store, since
// store's record shape already knows how to parse its own dump format and
// archive has no reason to depend on store.
type ParseMetadataDump func(raw []byte) (Metadata, error)

// Extract decompresses src (a zstd stream) into destDir, creating it if
// absent, after slicing off the trailing metadata dump and footer. It
// refuses to unpack an artifact whose metadata arch does not match
// runtime.GOARCH (§6, "architecture mismatch ... refused"), returning an
// *entropyerr.Error of kind InvalidArchitecture.
func Extract(src string, destDir string, parseMeta ParseMetadataDump) (Metadata, error) {
	raw, err := os.ReadFile(src)
	if err != nil {
		return Metadata{}, entropyerr.Wrapf(entropyerr.IoError, err, "reading artifact %s", src)
	}

	decompressed, err := decompress(raw)
	if err != nil {
		return Metadata{}, err
	}

	body, metaBytes, err := splitFooter(decompressed)
	if err != nil {
		return Metadata{}, err
	}

	meta, err := parseMeta(metaBytes)
	if err != nil {
		return Metadata{}, entropyerr.Wrap(entropyerr.Parse, err, "parsing embedded metadata dump")
	}

	if meta.Arch != "" && meta.Arch != runtime.GOARCH {
		return Metadata{}, entropyerr.New(entropyerr.InvalidArchitecture,
			"artifact built for "+meta.Arch+", host is "+runtime.GOARCH)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Metadata{}, entropyerr.Wrapf(entropyerr.IoError, err, "creating image directory %s", destDir)
	}
	if err := untar(body, destDir); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func decompress(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, entropyerr.Wrap(entropyerr.Internal, err, "constructing zstd reader")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, entropyerr.Wrap(entropyerr.IoError, err, "decompressing artifact")
	}
	return out, nil
}

// splitFooter reads the footer from the end of decompressed, validates the
// magic sentinel, and returns the tar body and metadata dump it brackets.
func splitFooter(decompressed []byte) (body, meta []byte, err error) {
	if len(decompressed) < footerSize {
		return nil, nil, entropyerr.New(entropyerr.Parse, "artifact shorter than footer record, likely truncated")
	}
	footer := decompressed[len(decompressed)-footerSize:]
	var magic [8]byte
	copy(magic[:], footer[8:])
	if magic != footerMagic {
		return nil, nil, entropyerr.New(entropyerr.Parse, "artifact footer magic mismatch")
	}
	dumpOffset := binary.BigEndian.Uint64(footer[:8])
	payload := decompressed[:len(decompressed)-footerSize]
	if int(dumpOffset) > len(payload) {
		return nil, nil, entropyerr.New(entropyerr.Parse, "artifact footer offset out of range")
	}
	return payload[:dumpOffset], payload[dumpOffset:], nil
}

// untar writes every regular file, directory, and symlink entry in body
// into destDir, preserving mode bits. Mirrors the teacher's CopyDir entry
// loop (internal/fs), generalized from walking a source directory to
// reading tar headers.
func untar(body []byte, destDir string) error {
	tr := tar.NewReader(bytes.NewReader(body))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return entropyerr.Wrap(entropyerr.IoError, err, "reading tar entry")
		}

		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return entropyerr.Wrapf(entropyerr.IoError, err, "creating directory %s", target)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return entropyerr.Wrapf(entropyerr.IoError, err, "creating parent of %s", target)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return entropyerr.Wrapf(entropyerr.IoError, err, "creating symlink %s", target)
			}
		case tar.TypeReg:
			if err := writeRegular(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		default:
			// skip device/fifo/socket entries; entropy images never legitimately
			// contain them.
		}
	}
}

func writeRegular(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "creating parent of %s", target)
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "creating %s", target)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return entropyerr.Wrapf(entropyerr.IoError, err, "writing %s", target)
	}
	return errors.Wrapf(out.Sync(), "syncing %s", target)
}
