package solver

import (
	"github.com/entropy-pm/entropy/entropyerr"
)

// DiskSpaceEstimate is one candidate's contribution to a transaction's
// worst-case disk usage: the bytes that must be downloaded (artifact size
// minus whatever is already cached) and the bytes the unpack step needs
// headroom for (unpacked size inflated by a safety factor, since an
// interrupted unpack can leave a partially-written image directory before
// the atomic swap reclaims it).
type DiskSpaceEstimate struct {
	PackageID    int64
	ArtifactSize int64
	CachedBytes  int64
	UnpackedSize int64
}

// unpackHeadroomFactor inflates the unpacked-size estimate to cover the
// image directory coexisting with the live root during the merge step.
const unpackHeadroomFactor = 1.5

// CheckDiskSpace sums the worst-case download and unpack requirements across
// estimates and compares them against the free bytes available in the
// cache and unpack filesystems respectively. It returns an
// *entropyerr.Error of kind DiskFull naming the shortfall when either
// budget would be exceeded.
func CheckDiskSpace(estimates []DiskSpaceEstimate, cacheFreeBytes, unpackFreeBytes int64) error {
	var downloadNeeded, unpackNeeded int64
	for _, e := range estimates {
		need := e.ArtifactSize - e.CachedBytes
		if need > 0 {
			downloadNeeded += need
		}
		unpackNeeded += int64(float64(e.UnpackedSize) * unpackHeadroomFactor)
	}

	if downloadNeeded > cacheFreeBytes {
		return entropyerr.New(entropyerr.DiskFull, "insufficient space in cache directory for download")
	}
	if unpackNeeded > unpackFreeBytes {
		return entropyerr.New(entropyerr.DiskFull, "insufficient space in unpack directory")
	}
	return nil
}
