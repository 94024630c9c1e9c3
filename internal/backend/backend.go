// Package backend defines the capability set shared by bytestore's two
// storage tiers (the sharded filesystem backend and the embedded
// key-value backend), so the router can be written once against an
// interface instead of against each concrete tier.
package backend

import (
	"context"

	"github.com/codeGROOVE-dev/bytestore/digest"
)

// Backend is the common contract a storage tier must satisfy. Every
// method is a suspension point: implementations may block on I/O and
// callers should expect to yield at each call.
type Backend interface {
	// ExistsBatch reports which of fps are present. Not-found is absence,
	// never an error. The filesystem tier treats every lookup failure as
	// absence; the KV tier returns lookup failures other than not-found
	// as errors.
	ExistsBatch(ctx context.Context, fps []digest.Fingerprint) (map[digest.Fingerprint]bool, error)

	// Exists is ExistsBatch for a single fingerprint.
	Exists(ctx context.Context, fp digest.Fingerprint) (bool, error)

	// Lease extends the freshness window of fp. Returns an error if fp
	// is not present.
	Lease(ctx context.Context, fp digest.Fingerprint) error

	// Remove deletes fp. Returns true iff an entry was actually removed;
	// removing an absent entry is (false, nil), never an error.
	Remove(ctx context.Context, fp digest.Fingerprint) (bool, error)

	// StoreBytesBatch stores each (fingerprint, bytes) pair. Items are
	// written with no ordering guarantee between them; any single
	// failure fails the whole batch. initialLease is honored only by
	// backends for which a lease is a distinct concept from existence.
	StoreBytesBatch(ctx context.Context, items []Item, initialLease bool) error

	// Store streams srcPath into the backend under expected, verifying
	// content as it goes. srcImmutable tells the backend it may skip
	// re-verification because the source cannot change underneath it.
	Store(ctx context.Context, expected digest.Digest, srcPath string, srcImmutable, initialLease bool) error

	// LoadBytesWith opens fp, reads it fully, and applies f to the
	// resulting slice. Returns (nil, false, nil) if fp is absent.
	LoadBytesWith(ctx context.Context, fp digest.Fingerprint, f func([]byte) (any, error)) (any, bool, error)

	// AgedFingerprints enumerates every stored fingerprint along with its
	// size and eviction age. Ordering is arbitrary.
	AgedFingerprints(ctx context.Context) ([]digest.AgedFingerprint, error)
}

// Item is one element of a StoreBytesBatch call.
type Item struct {
	Fingerprint digest.Fingerprint
	Bytes       []byte
}

// AllDigests derives the full digest set from AgedFingerprints, stripping
// the age each implementation already reports.
func AllDigests(ctx context.Context, b Backend) ([]digest.Digest, error) {
	aged, err := b.AgedFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	digests := make([]digest.Digest, len(aged))
	for i, a := range aged {
		digests[i] = digest.Digest{Hash: a.Fingerprint, SizeBytes: a.SizeBytes}
	}
	return digests, nil
}
