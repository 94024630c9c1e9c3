// Package fsdb implements the large-file tier of bytestore: blobs are
// stored as read-only files under a two-level hex-sharded directory
// tree, one file per fingerprint, written via temp-file-then-rename so a
// reader never observes a partial file.
package fsdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/bytestore/digest"
	"github.com/codeGROOVE-dev/bytestore/internal/backend"
	"github.com/codeGROOVE-dev/bytestore/internal/blocking"
	"github.com/codeGROOVE-dev/bytestore/internal/hashcopy"
	"github.com/codeGROOVE-dev/bytestore/internal/tempfile"
)

// persistedMode is the mode every materialized blob is chmod'd to:
// read and execute, never write, cementing the immutability invariant.
const persistedMode = 0o555

// maxCopyAttempts bounds the verified-copy retry loop. A source that is
// still changing after this many attempts is treated as a fatal error
// rather than retried forever.
const maxCopyAttempts = 10

// Backend stores immutable file blobs under root, sharded two hex
// characters deep.
type Backend struct {
	root      string
	leaseTime time.Duration
	pool      *blocking.Pool
}

var _ backend.Backend = (*Backend)(nil)

// New creates a Backend rooted at root, creating the directory if
// needed. leaseTime is the freshness window used by AgedFingerprints.
func New(root string, leaseTime time.Duration, pool *blocking.Pool) (*Backend, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("fsdb: create root %s: %w", root, err)
	}
	if pool == nil {
		pool = blocking.NewPool(0)
	}
	return &Backend{root: root, leaseTime: leaseTime, pool: pool}, nil
}

// Path returns the on-disk path a fingerprint would be stored at,
// whether or not it currently exists there.
func (b *Backend) Path(fp digest.Fingerprint) string {
	hexStr := fp.String()
	return filepath.Join(b.root, hexStr[:2], hexStr)
}

// ExistsBatch reports which of fps are present on disk. A stat failure
// for any individual fingerprint - including ENOENT - means absent, not
// an error.
func (b *Backend) ExistsBatch(ctx context.Context, fps []digest.Fingerprint) (map[digest.Fingerprint]bool, error) {
	results := make(map[digest.Fingerprint]bool, len(fps))
	var mu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for _, fp := range fps {
		fp := fp
		g.Go(func() error {
			_, err := os.Stat(b.Path(fp))
			exists := err == nil
			mu.Lock()
			results[fp] = exists
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fsdb: exists batch: %w", err)
	}
	return results, nil
}

// Exists reports whether fp is present.
func (b *Backend) Exists(ctx context.Context, fp digest.Fingerprint) (bool, error) {
	existing, err := b.ExistsBatch(ctx, []digest.Fingerprint{fp})
	if err != nil {
		return false, err
	}
	return existing[fp], nil
}

// Lease bumps fp's mtime to now, extending its freshness window. Returns
// an error if fp is not present; callers that aren't sure should check
// Exists first (see DESIGN.md on this open question).
func (b *Backend) Lease(ctx context.Context, fp digest.Fingerprint) error {
	path := b.Path(fp)
	_, err := blocking.Run(ctx, b.pool, func() (struct{}, error) {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			return struct{}{}, fmt.Errorf("fsdb: lease %s at %s: %w", fp, path, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Remove deletes fp's file. Returns true iff a file existed and was
// removed; a missing file is (false, nil), not an error.
func (b *Backend) Remove(ctx context.Context, fp digest.Fingerprint) (bool, error) {
	path := b.Path(fp)
	return blocking.Run(ctx, b.pool, func() (bool, error) {
		err := os.Remove(path)
		switch {
		case err == nil:
			return true, nil
		case os.IsNotExist(err):
			return false, nil
		default:
			return false, fmt.Errorf("fsdb: remove %s at %s: %w", fp, path, err)
		}
	})
}

// StoreBytesBatch writes every item to its own temp file and persists
// it. Items are written with no ordering between them; any single
// failure fails the whole batch. initialLease is a no-op here - a fresh
// file's mtime is already a fresh lease.
func (b *Backend) StoreBytesBatch(ctx context.Context, items []backend.Item, _ bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return b.storeOneBlocking(gctx, item.Fingerprint, item.Bytes)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fsdb: store bytes batch: %w", err)
	}
	return nil
}

func (b *Backend) storeOneBlocking(ctx context.Context, fp digest.Fingerprint, data []byte) error {
	_, err := blocking.Run(ctx, b.pool, func() (struct{}, error) {
		tf, err := tempfile.Open(b.Path(fp))
		if err != nil {
			return struct{}{}, fmt.Errorf("open temp file for %s: %w", fp, err)
		}
		if _, err := tf.Write(data); err != nil {
			_ = tf.Discard()
			return struct{}{}, fmt.Errorf("write %s: %w", fp, err)
		}
		if err := tf.Persist(persistedMode); err != nil {
			return struct{}{}, fmt.Errorf("persist %s: %w", fp, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Store streams srcPath into the backend under expected, verifying
// content as it copies. If the source mutates mid-copy and was not
// declared immutable, the copy is retried (reopening both sides), for
// at most maxCopyAttempts attempts in all, before giving up.
func (b *Backend) Store(ctx context.Context, expected digest.Digest, srcPath string, srcImmutable, _ bool) error {
	for attempt := 1; ; attempt++ {
		retry, err := b.copyOnceBlocking(ctx, expected, srcPath, srcImmutable)
		if err != nil {
			return fmt.Errorf("fsdb: store %s from %s: %w", expected, srcPath, err)
		}
		if !retry {
			return nil
		}
		if attempt >= maxCopyAttempts {
			return fmt.Errorf("fsdb: store %s from %s: source kept changing after %d attempts", expected, srcPath, attempt)
		}
	}
}

func (b *Backend) copyOnceBlocking(ctx context.Context, expected digest.Digest, srcPath string, srcImmutable bool) (bool, error) {
	return blocking.Run(ctx, b.pool, func() (bool, error) {
		tf, err := tempfile.Open(b.Path(expected.Hash))
		if err != nil {
			return false, fmt.Errorf("open temp file: %w", err)
		}

		src, err := os.Open(srcPath)
		if err != nil {
			_ = tf.Discard()
			return false, fmt.Errorf("open source: %w", err)
		}
		defer src.Close() //nolint:errcheck // best-effort close after copy

		retry, err := hashcopy.CopyVerify(expected, src, tf, srcImmutable)
		if err != nil {
			_ = tf.Discard()
			return false, err
		}
		if retry {
			_ = tf.Discard()
			return true, nil
		}

		if err := tf.Flush(); err != nil {
			_ = tf.Discard()
			return false, err
		}
		if err := tf.Persist(persistedMode); err != nil {
			return false, err
		}
		return false, nil
	})
}

// LoadBytesWith opens fp, reads it fully into memory, and applies f to
// the resulting bytes. Returns (nil, false, nil) if fp is absent.
//
// Mmap-based zero-copy access is a plausible future optimization; it is
// not required for correctness and this reads the whole file instead.
func (b *Backend) LoadBytesWith(_ context.Context, fp digest.Fingerprint, f func([]byte) (any, error)) (any, bool, error) {
	file, err := os.Open(b.Path(fp))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fsdb: open %s: %w", fp, err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, false, fmt.Errorf("fsdb: read %s: %w", fp, err)
	}

	v, err := f(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// AgedFingerprints walks the two-level shard tree and reports every
// stored fingerprint's size and how long its lease has been expired.
// expired_seconds_ago is 0 (still leased) when the file's mtime is
// within the lease window of the walk time, saturating at zero rather
// than going negative when the file is freshly written.
func (b *Backend) AgedFingerprints(ctx context.Context) ([]digest.AgedFingerprint, error) {
	return blocking.Run(ctx, b.pool, func() ([]digest.AgedFingerprint, error) {
		shards, err := os.ReadDir(b.root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read shard root %s: %w", b.root, err)
		}

		expirationTime := time.Now().Add(-b.leaseTime)
		var aged []digest.AgedFingerprint

		for _, shard := range shards {
			if !shard.IsDir() {
				continue
			}
			shardPath := filepath.Join(b.root, shard.Name())
			entries, err := os.ReadDir(shardPath)
			if err != nil {
				return nil, fmt.Errorf("read shard directory %s: %w", shardPath, err)
			}
			for _, entry := range entries {
				name := entry.Name()
				if len(name) > 0 && name[0] == '.' {
					// In-flight temp files; not yet persisted entries.
					continue
				}
				fp, err := digest.FingerprintFromHex(name)
				if err != nil {
					return nil, fmt.Errorf("corrupt fsdb entry %s: %w", filepath.Join(shardPath, name), err)
				}
				info, err := entry.Info()
				if err != nil {
					return nil, fmt.Errorf("stat %s: %w", filepath.Join(shardPath, name), err)
				}

				var expiredSecondsAgo uint64
				if d := expirationTime.Sub(info.ModTime()); d > 0 {
					expiredSecondsAgo = uint64(d.Seconds())
				}

				aged = append(aged, digest.AgedFingerprint{
					Fingerprint:       fp,
					SizeBytes:         uint64(info.Size()),
					ExpiredSecondsAgo: expiredSecondsAgo,
				})
			}
		}
		return aged, nil
	})
}

// AllDigests derives the full digest set from AgedFingerprints, dropping
// the age each record carries.
func (b *Backend) AllDigests(ctx context.Context) ([]digest.Digest, error) {
	return backend.AllDigests(ctx, b)
}
