package bytestore

import (
	"container/heap"
	"context"
	"fmt"
)

// ShrinkBehavior selects extra work Shrink performs after reclaiming
// space.
type ShrinkBehavior int

const (
	// NoCompact does nothing beyond reclaiming space.
	NoCompact ShrinkBehavior = iota
	// Compact triggers the file-KV database's online compaction after
	// eviction completes.
	Compact
)

// evictionCandidate is one entry in the merged eviction heap: an aged
// fingerprint tagged with the tier and kind it must be removed from.
type evictionCandidate struct {
	AgedFingerprint
	kind EntryType
}

// evictionHeap is a max-heap by ExpiredSecondsAgo: the most-expired
// candidate pops first. Ties break arbitrarily, per spec.
type evictionHeap []evictionCandidate

func (h evictionHeap) Len() int { return len(h) }
func (h evictionHeap) Less(i, j int) bool {
	return h[i].ExpiredSecondsAgo > h[j].ExpiredSecondsAgo
}
func (h evictionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *evictionHeap) Push(x any)   { *h = append(*h, x.(evictionCandidate)) }
func (h *evictionHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Shrink reclaims space until the combined size of all three backends
// is at or below targetBytes, or every surviving entry is still
// leased. It returns the used_bytes remaining when it stops - this
// may exceed targetBytes if eviction halted on the lease wall.
func (s *Store) Shrink(ctx context.Context, targetBytes uint64, behavior ShrinkBehavior) (uint64, error) {
	candidates, usedBytes, err := s.gatherEvictionCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("bytestore: shrink: %w", err)
	}

	h := evictionHeap(candidates)
	heap.Init(&h)

	for usedBytes > targetBytes && h.Len() > 0 {
		victim := heap.Pop(&h).(evictionCandidate)
		if victim.ExpiredSecondsAgo == 0 {
			break
		}
		d := Digest{Hash: victim.Fingerprint, SizeBytes: victim.SizeBytes}
		removed, err := s.Remove(ctx, victim.kind, d)
		if err != nil {
			return usedBytes, fmt.Errorf("bytestore: shrink: remove %s: %w", d, err)
		}
		if removed {
			usedBytes -= victim.SizeBytes
		}
	}

	if behavior == Compact {
		kv, err := s.fileKV.get()
		if err != nil {
			return usedBytes, fmt.Errorf("bytestore: shrink: compact: %w", err)
		}
		if err := kv.Compact(ctx); err != nil {
			return usedBytes, fmt.Errorf("bytestore: shrink: %w", err)
		}
	}

	return usedBytes, nil
}

// gatherEvictionCandidates collects every backend's aged fingerprints,
// tagged with the EntryType and routing kind each was found under, and
// sums their sizes into used_bytes.
func (s *Store) gatherEvictionCandidates(ctx context.Context) ([]evictionCandidate, uint64, error) {
	var candidates []evictionCandidate
	var usedBytes uint64

	fsdbAged, err := s.fileFSDB.AgedFingerprints(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fsdb: %w", err)
	}
	for _, a := range fsdbAged {
		candidates = append(candidates, evictionCandidate{AgedFingerprint: a, kind: File})
		usedBytes += a.SizeBytes
	}

	if kv, err := s.fileKV.get(); err == nil {
		aged, err := kv.AgedFingerprints(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("file kv: %w", err)
		}
		for _, a := range aged {
			candidates = append(candidates, evictionCandidate{AgedFingerprint: a, kind: File})
			usedBytes += a.SizeBytes
		}
	}

	if kv, err := s.dirKV.get(); err == nil {
		aged, err := kv.AgedFingerprints(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("directory kv: %w", err)
		}
		for _, a := range aged {
			candidates = append(candidates, evictionCandidate{AgedFingerprint: a, kind: Directory})
			usedBytes += a.SizeBytes
		}
	}

	return candidates, usedBytes, nil
}
