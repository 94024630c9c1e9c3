// Package bytestore implements a local content-addressed byte store (CAS)
// used as the on-host blob cache for a build system. Values are opaque
// byte blobs identified by a SHA-256 fingerprint plus a declared length.
// Writes are routed to one of two tiers - an embedded transactional
// key-value store for small blobs and directory protos, or a sharded
// immutable-file-on-disk store for large file blobs - behind a single
// digest-keyed API with uniform lease and eviction semantics.
package bytestore

import "github.com/codeGROOVE-dev/bytestore/digest"

// Fingerprint is a SHA-256 content hash. See package digest for details.
type Fingerprint = digest.Fingerprint

// Digest is the authoritative CAS key: a fingerprint plus its declared
// length.
type Digest = digest.Digest

// EntryType distinguishes the file and directory namespaces.
type EntryType = digest.EntryType

// AgedFingerprint pairs a stored fingerprint with its size and eviction
// age, as reported by a backend.
type AgedFingerprint = digest.AgedFingerprint

// File and Directory are the two EntryType values.
const (
	File      = digest.File
	Directory = digest.Directory
)

// FingerprintFromHex parses a lowercase hex fingerprint string.
func FingerprintFromHex(s string) (Fingerprint, error) { return digest.FingerprintFromHex(s) }

// EmptyFingerprint returns the fingerprint of the empty byte string.
func EmptyFingerprint() Fingerprint { return digest.EmptyFingerprint() }

// EmptyDigest is the digest of the empty byte string: always present,
// always classified as Directory, never written, never enumerated as
// missing.
var EmptyDigest = digest.EmptyDigest
