package bytestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/bytestore/internal/backend"
	"github.com/codeGROOVE-dev/bytestore/internal/blocking"
	"github.com/codeGROOVE-dev/bytestore/internal/hashcopy"
	"github.com/codeGROOVE-dev/bytestore/pkg/fsdb"
	"github.com/codeGROOVE-dev/bytestore/pkg/kvbackend"
)

// useFSDB implements the routing predicate: a File-kind blob of at
// least LargeFileSizeLimit bytes goes to the filesystem tier; every
// directory proto and every smaller file blob goes to the KV tier.
func useFSDB(kind EntryType, sizeBytes uint64) bool {
	return kind == File && sizeBytes >= LargeFileSizeLimit
}

// kvHandle caches a KV backend's construction result. A database that
// fails to open does not fail Store construction - the failure is
// cached here and re-surfaced on every subsequent access to that tier,
// so the other tiers stay available.
type kvHandle struct {
	backend *kvbackend.Backend
	err     error
}

func (h kvHandle) get() (*kvbackend.Backend, error) {
	if h.err != nil {
		return nil, fmt.Errorf("kv tier unavailable: %w", h.err)
	}
	return h.backend, nil
}

// Store is the router: it dispatches digest-keyed operations across
// the directory-KV, file-KV, and file-FSDB backends, presenting a
// single content-addressed API with uniform lease and eviction
// semantics.
type Store struct {
	opts LocalOptions

	fileFSDB *fsdb.Backend
	fileKV   kvHandle
	dirKV    kvHandle
}

// New opens (creating if necessary) a Store rooted at root.
//
// A KV tier that fails to open does not fail New: the error is cached
// and returned by every subsequent operation routed to that tier,
// while the other tiers remain usable.
func New(ctx context.Context, root string, options ...Option) (*Store, error) {
	opts := *defaultOptions(root)
	for _, opt := range options {
		opt(&opts)
	}
	if opts.LeaseTime == 0 {
		opts.LeaseTime = defaultLeaseTime
	}
	if opts.ShardCount == 0 {
		opts.ShardCount = defaultShardCount
	}

	pool := blocking.NewPool(opts.BlockingPoolSize)

	fsdbBackend, err := fsdb.New(root+"/immutable/files", opts.LeaseTime, pool)
	if err != nil {
		return nil, fmt.Errorf("bytestore: open fsdb tier: %w", err)
	}

	s := &Store{
		opts:     opts,
		fileFSDB: fsdbBackend,
	}

	fileKV, err := kvbackend.New(ctx, root, "files", opts.LeaseTime, nil,
		kvbackend.Limits{MaxSizeBytes: opts.FilesMaxSizeBytes, ShardCount: opts.ShardCount})
	s.fileKV = kvHandle{backend: fileKV, err: err}

	dirKV, err := kvbackend.New(ctx, root, "directories", opts.LeaseTime, nil,
		kvbackend.Limits{MaxSizeBytes: opts.DirectoriesMaxSizeBytes, ShardCount: opts.ShardCount})
	s.dirKV = kvHandle{backend: dirKV, err: err}

	return s, nil
}

// Close releases the resources held by whichever KV tiers opened
// successfully. A tier that failed to open has nothing to release.
func (s *Store) Close() error {
	var errs []error
	if s.fileKV.backend != nil {
		if err := s.fileKV.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.dirKV.backend != nil {
		if err := s.dirKV.backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("bytestore: close: %w", errors.Join(errs...))
	}
	return nil
}

// kvFor returns the KV backend namespace for kind.
func (s *Store) kvFor(kind EntryType) (*kvbackend.Backend, error) {
	if kind == Directory {
		return s.dirKV.get()
	}
	return s.fileKV.get()
}

// EntryType reports how fp is currently classified, by probing all
// three backends concurrently. The empty fingerprint always reports
// Directory without touching any backend. On a hit in more than one
// backend, directory-KV takes precedence over file-KV, which takes
// precedence over file-FSDB.
func (s *Store) EntryType(ctx context.Context, fp Fingerprint) (EntryType, bool, error) {
	if fp.IsEmpty() {
		return Directory, true, nil
	}

	var inDirKV, inFileKV, inFileFSDB bool
	var dirErr, fileErr, fsdbErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dirBackend, err := s.dirKV.get()
		if err != nil {
			dirErr = err
			return nil
		}
		inDirKV, dirErr = dirBackend.Exists(gctx, fp)
		return nil
	})
	g.Go(func() error {
		fileBackend, err := s.fileKV.get()
		if err != nil {
			fileErr = err
			return nil
		}
		inFileKV, fileErr = fileBackend.Exists(gctx, fp)
		return nil
	})
	g.Go(func() error {
		inFileFSDB, fsdbErr = s.fileFSDB.Exists(gctx, fp)
		return nil
	})
	_ = g.Wait()

	if inDirKV {
		return Directory, true, nil
	}
	if dirErr != nil {
		return 0, false, fmt.Errorf("bytestore: entry type %s: %w", fp, dirErr)
	}
	if inFileKV {
		return File, true, nil
	}
	if fileErr != nil {
		return 0, false, fmt.Errorf("bytestore: entry type %s: %w", fp, fileErr)
	}
	if inFileFSDB {
		return File, true, nil
	}
	if fsdbErr != nil {
		return 0, false, fmt.Errorf("bytestore: entry type %s: %w", fp, fsdbErr)
	}
	return 0, false, nil
}

// StoreBytesBatch partitions items by the routing predicate and writes
// the FSDB partition and the KV partition concurrently. Any single
// failure fails the whole call. initialLease is honored by the KV
// backend only - FSDB entries are implicitly leased by their fresh
// mtime.
func (s *Store) StoreBytesBatch(ctx context.Context, kind EntryType, items []backend.Item, initialLease bool) error {
	var fsdbItems, kvItems []backend.Item
	for _, item := range items {
		if item.Fingerprint.IsEmpty() {
			// The empty fingerprint is always present and is never
			// materialized in either tier.
			continue
		}
		if useFSDB(kind, uint64(len(item.Bytes))) {
			fsdbItems = append(fsdbItems, item)
		} else {
			kvItems = append(kvItems, item)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(fsdbItems) > 0 {
		g.Go(func() error { return s.fileFSDB.StoreBytesBatch(gctx, fsdbItems, initialLease) })
	}
	if len(kvItems) > 0 {
		g.Go(func() error {
			kv, err := s.kvFor(kind)
			if err != nil {
				return err
			}
			return kv.StoreBytesBatch(gctx, kvItems, initialLease)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bytestore: store bytes batch: %w", err)
	}
	return nil
}

// Store hashes srcPath, then dispatches to the FSDB or KV tier
// according to the routing predicate applied to the computed digest's
// size. It returns the computed digest.
func (s *Store) Store(ctx context.Context, kind EntryType, srcPath string, srcImmutable, initialLease bool) (Digest, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return Digest{}, fmt.Errorf("bytestore: store %s: %w", srcPath, err)
	}
	d, err := hashcopy.Hash(f)
	closeErr := f.Close()
	if err != nil {
		return Digest{}, fmt.Errorf("bytestore: store %s: hash source: %w", srcPath, err)
	}
	if closeErr != nil {
		return Digest{}, fmt.Errorf("bytestore: store %s: %w", srcPath, closeErr)
	}
	if d.IsEmpty() {
		return d, nil
	}

	if useFSDB(kind, d.SizeBytes) {
		if err := s.fileFSDB.Store(ctx, d, srcPath, srcImmutable, initialLease); err != nil {
			return Digest{}, fmt.Errorf("bytestore: store %s: %w", srcPath, err)
		}
		return d, nil
	}

	kv, err := s.kvFor(kind)
	if err != nil {
		return Digest{}, fmt.Errorf("bytestore: store %s: %w", srcPath, err)
	}
	if err := kv.Store(ctx, d, srcPath, srcImmutable, initialLease); err != nil {
		return Digest{}, fmt.Errorf("bytestore: store %s: %w", srcPath, err)
	}
	return d, nil
}

// LoadBytesWith retrieves the blob for d and applies f to its bytes.
// The empty digest short-circuits to f(nil) without touching any
// backend. A length mismatch between the retrieved bytes and d's
// declared size is a hash-collision-class integrity error, surfaced
// loudly rather than silently swallowed.
func (s *Store) LoadBytesWith(ctx context.Context, kind EntryType, d Digest, f func([]byte) (any, error)) (any, bool, error) {
	if d.IsEmpty() {
		v, err := f(nil)
		return v, true, err
	}

	checked := func(data []byte) (any, error) {
		if uint64(len(data)) != d.SizeBytes {
			return nil, fmt.Errorf("bytestore: integrity error: %s retrieved %d bytes, declared %d", d, len(data), d.SizeBytes)
		}
		return f(data)
	}

	start := time.Now()
	var v any
	var ok bool
	var err error
	if useFSDB(kind, d.SizeBytes) {
		v, ok, err = s.fileFSDB.LoadBytesWith(ctx, d.Hash, checked)
	} else {
		var kv *kvbackend.Backend
		kv, err = s.kvFor(kind)
		if err == nil {
			v, ok, err = kv.LoadBytesWith(ctx, d.Hash, checked)
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("bytestore: load %s: %w", d, err)
	}
	if ok {
		observeRead(ctx, d.SizeBytes, time.Since(start))
	}
	return v, ok, nil
}

// GetMissingDigests returns the subset of digests not present in
// either backend for kind. The empty digest is always excluded.
func (s *Store) GetMissingDigests(ctx context.Context, kind EntryType, digests []Digest) ([]Digest, error) {
	var fsdbFPs, kvFPs []Fingerprint
	byFP := make(map[Fingerprint]Digest, len(digests))
	for _, d := range digests {
		if d.IsEmpty() {
			continue
		}
		byFP[d.Hash] = d
		if useFSDB(kind, d.SizeBytes) {
			fsdbFPs = append(fsdbFPs, d.Hash)
		} else {
			kvFPs = append(kvFPs, d.Hash)
		}
	}

	var fsdbExisting, kvExisting map[Fingerprint]bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fsdbExisting, err = s.fileFSDB.ExistsBatch(gctx, fsdbFPs)
		return err
	})
	g.Go(func() error {
		if len(kvFPs) == 0 {
			return nil
		}
		kv, err := s.kvFor(kind)
		if err != nil {
			return err
		}
		kvExisting, err = kv.ExistsBatch(gctx, kvFPs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bytestore: get missing digests: %w", err)
	}

	var missing []Digest
	for fp, d := range byFP {
		if fsdbExisting[fp] || kvExisting[fp] {
			continue
		}
		missing = append(missing, d)
	}
	return missing, nil
}

// LeaseItem names one (digest, kind) pair to renew in LeaseAll.
type LeaseItem struct {
	Digest Digest
	Kind   EntryType
}

// LeaseAll extends the lease of every item, sequentially. Leases are
// refreshed periodically in the background, so there is no latency
// pressure to parallelize this.
func (s *Store) LeaseAll(ctx context.Context, items []LeaseItem) error {
	for _, item := range items {
		if item.Digest.IsEmpty() {
			continue
		}
		var err error
		if useFSDB(item.Kind, item.Digest.SizeBytes) {
			err = s.fileFSDB.Lease(ctx, item.Digest.Hash)
		} else {
			var kv *kvbackend.Backend
			kv, err = s.kvFor(item.Kind)
			if err == nil {
				err = kv.Lease(ctx, item.Digest.Hash)
			}
		}
		if err != nil {
			return fmt.Errorf("bytestore: lease all: %s: %w", item.Digest, err)
		}
	}
	return nil
}

// Remove deletes d's entry from whichever backend the routing
// predicate selects, returning true iff an entry was actually removed.
func (s *Store) Remove(ctx context.Context, kind EntryType, d Digest) (bool, error) {
	if useFSDB(kind, d.SizeBytes) {
		removed, err := s.fileFSDB.Remove(ctx, d.Hash)
		if err != nil {
			return false, fmt.Errorf("bytestore: remove %s: %w", d, err)
		}
		return removed, nil
	}
	kv, err := s.kvFor(kind)
	if err != nil {
		return false, fmt.Errorf("bytestore: remove %s: %w", d, err)
	}
	removed, err := kv.Remove(ctx, d.Hash)
	if err != nil {
		return false, fmt.Errorf("bytestore: remove %s: %w", d, err)
	}
	return removed, nil
}

// LoadFromFS returns the on-disk path of d's blob if it is stored in
// FSDB, and false otherwise. Only the filesystem tier exposes a path;
// KV-tier content is not file-backed.
func (s *Store) LoadFromFS(ctx context.Context, d Digest) (string, bool, error) {
	exists, err := s.fileFSDB.Exists(ctx, d.Hash)
	if err != nil {
		return "", false, fmt.Errorf("bytestore: load from fs %s: %w", d, err)
	}
	if !exists {
		return "", false, nil
	}
	return s.fileFSDB.Path(d.Hash), true, nil
}

// TaggedDigest is one digest reported by AllDigests, tagged with the
// EntryType of the backend it was found in.
type TaggedDigest struct {
	Digest Digest
	Kind   EntryType
}

// AllDigests enumerates every stored digest across all three backends.
func (s *Store) AllDigests(ctx context.Context) ([]TaggedDigest, error) {
	var all []TaggedDigest
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		digests, err := s.fileFSDB.AllDigests(gctx)
		if err != nil {
			return fmt.Errorf("fsdb: %w", err)
		}
		mu.Lock()
		for _, d := range digests {
			all = append(all, TaggedDigest{Digest: d, Kind: File})
		}
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		kv, err := s.fileKV.get()
		if err != nil {
			return nil //nolint:nilerr // a down file-KV tier degrades coverage, doesn't fail the call
		}
		digests, err := kv.AllDigests(gctx)
		if err != nil {
			return fmt.Errorf("file kv: %w", err)
		}
		mu.Lock()
		for _, d := range digests {
			all = append(all, TaggedDigest{Digest: d, Kind: File})
		}
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		kv, err := s.dirKV.get()
		if err != nil {
			return nil //nolint:nilerr // a down directory-KV tier degrades coverage, doesn't fail the call
		}
		digests, err := kv.AllDigests(gctx)
		if err != nil {
			return fmt.Errorf("directory kv: %w", err)
		}
		mu.Lock()
		for _, d := range digests {
			all = append(all, TaggedDigest{Digest: d, Kind: Directory})
		}
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bytestore: all digests: %w", err)
	}
	return all, nil
}

