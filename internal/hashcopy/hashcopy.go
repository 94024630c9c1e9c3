// Package hashcopy provides the two content-addressing primitives the
// router depends on but does not own: streaming hash-only reads (used to
// compute a digest before routing a store), and copy-with-verification
// (used by the filesystem backend to materialize a blob while guarding
// against a source that mutates mid-copy).
package hashcopy

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/codeGROOVE-dev/bytestore/digest"
)

// Hash streams r to completion, discarding its bytes, and returns the
// resulting digest.
func Hash(r io.Reader) (digest.Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("hash source: %w", err)
	}
	var fp digest.Fingerprint
	copy(fp[:], h.Sum(nil))
	return digest.Digest{Hash: fp, SizeBytes: uint64(n)}, nil
}

// CopyVerify copies src to dst while hashing the bytes as they pass
// through, then checks the result against expected.
//
// If the hashes match, (false, nil) is returned: the copy succeeded and
// no retry is needed.
//
// If they don't match and srcImmutable is false, (true, nil) is
// returned: the source was declared mutable, so a concurrent edit is the
// most likely explanation, and the caller should reopen both sides and
// retry.
//
// If they don't match and srcImmutable is true, the caller promised the
// source could not change underneath it, so the mismatch cannot be
// explained by concurrent mutation; this is reported as a fatal
// integrity error rather than a retryable condition.
func CopyVerify(expected digest.Digest, src io.Reader, dst io.Writer, srcImmutable bool) (retry bool, err error) {
	h := sha256.New()
	n, err := io.Copy(dst, io.TeeReader(src, h))
	if err != nil {
		return false, fmt.Errorf("copy: %w", err)
	}

	var fp digest.Fingerprint
	copy(fp[:], h.Sum(nil))
	got := digest.Digest{Hash: fp, SizeBytes: uint64(n)}

	if got == expected {
		return false, nil
	}
	if !srcImmutable {
		return true, nil
	}
	return false, fmt.Errorf("integrity error: expected digest %s but copied content hashed to %s from a source declared immutable", expected, got)
}
