package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/zeebo/blake3"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/manifest"
)

// VerifyDigest hashes r with the given algorithm and compares it
// against the expected hex digest, per §3's "must match digest AND
// size; mismatch is fatal" invariant. r is fully consumed.
func VerifyDigest(r io.Reader, alg manifest.HashAlg, expectedHex string) error {
	actual, err := digest(r, alg)
	if err != nil {
		return err
	}
	if actual != expectedHex {
		return hcerr.New(hcerr.HashMismatch, "expected %s digest %s, got %s", alg, expectedHex, actual)
	}
	return nil
}

func digest(r io.Reader, alg manifest.HashAlg) (string, error) {
	switch alg {
	case manifest.HashSHA256:
		h := sha256.New()
		if _, err := io.Copy(h, r); err != nil {
			return "", hcerr.Wrap(hcerr.DownloadFailed, err, "reading artifact for SHA256 digest")
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	case manifest.HashBLAKE3:
		h := blake3.New()
		if _, err := io.Copy(h, r); err != nil {
			return "", hcerr.Wrap(hcerr.DownloadFailed, err, "reading artifact for BLAKE3 digest")
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", hcerr.New(hcerr.ManifestInvalid, "unsupported hash algorithm %q", alg)
	}
}
