// Package kvbackend implements the small-blob and directory tier of
// bytestore: a thin facade over an external sharded transactional
// key-value store (github.com/codeGROOVE-dev/ds9), exposing the same
// digest-keyed operation set as the filesystem tier. Leases are kept as
// an expiry time on each stored entity: this package sets it to now plus
// its lease time on a leased write or a Lease call, and reports how long
// ago it passed as the entity's eviction age.
package kvbackend

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	ds "github.com/codeGROOVE-dev/ds9/pkg/datastore"
	"golang.org/x/sync/errgroup"

	"github.com/codeGROOVE-dev/bytestore/digest"
	"github.com/codeGROOVE-dev/bytestore/internal/backend"
	"github.com/codeGROOVE-dev/bytestore/internal/hashcopy"
	"github.com/codeGROOVE-dev/bytestore/pkg/compress"
)

// entityKind is the Datastore-style kind every blob entity is stored
// under within a Backend's own database; the files and directories
// tiers each get their own database, so a single kind name suffices.
const entityKind = "Blob"

// maxCopyAttempts bounds the verified-copy retry loop for Store, mirroring
// the filesystem tier's retry ceiling.
const maxCopyAttempts = 10

// entity is the on-the-wire shape of one stored blob. Value is
// base64-encoded because Datastore-style property values handle strings
// more portably than raw byte slices.
type entity struct {
	Value     string    `datastore:"value,noindex"`
	Expiry    time.Time `datastore:"expiry,noindex"`
	UpdatedAt time.Time `datastore:"updated_at"`
	SizeBytes int64     `datastore:"size_bytes,noindex"`
}

// Backend adapts a ds9 datastore client to bytestore's Backend
// interface.
type Backend struct {
	client     *ds.Client
	leaseTime  time.Duration
	compressor compress.Compressor
}

var _ backend.Backend = (*Backend)(nil)

// Limits carries the size and sharding hints from LocalOptions through
// to the underlying database. The black-box KV store is free to ignore
// either field; ds9's construction API observed in this codebase takes
// neither, so they are logged rather than silently dropped.
type Limits struct {
	MaxSizeBytes int64
	ShardCount   int
}

// New opens (creating if necessary) a KV database rooted at
// filepath.Join(root, name) - e.g. "files" or "directories" - and
// returns a Backend over it. A nil compressor defaults to no
// compression.
func New(ctx context.Context, root, name string, leaseTime time.Duration, comp compress.Compressor, limits Limits) (*Backend, error) {
	if comp == nil {
		comp = compress.None()
	}
	client, err := ds.NewClientWithDatabase(ctx, "", root+"/"+name)
	if err != nil {
		return nil, fmt.Errorf("kvbackend: open %s database: %w", name, err)
	}
	if limits.MaxSizeBytes != 0 || limits.ShardCount != 0 {
		slog.Debug("kv database size/shard limits are not configurable through the observed ds9 client API; ignoring",
			"database", name, "max_size_bytes", limits.MaxSizeBytes, "shard_count", limits.ShardCount)
	}
	return &Backend{client: client, leaseTime: leaseTime, compressor: comp}, nil
}

// NewFromClient wraps an already-open ds9 client, bypassing New's own
// database-open step. Intended for tests that substitute
// ds.NewMockClient for a real on-disk database.
func NewFromClient(client *ds.Client, leaseTime time.Duration, comp compress.Compressor) *Backend {
	if comp == nil {
		comp = compress.None()
	}
	return &Backend{client: client, leaseTime: leaseTime, compressor: comp}
}

// Close releases the underlying client's resources.
func (b *Backend) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("kvbackend: close: %w", err)
	}
	return nil
}

func key(fp digest.Fingerprint) *ds.Key {
	return ds.NameKey(entityKind, fp.String(), nil)
}

// ExistsBatch reports which of fps have an entity in the store.
func (b *Backend) ExistsBatch(ctx context.Context, fps []digest.Fingerprint) (map[digest.Fingerprint]bool, error) {
	results := make(map[digest.Fingerprint]bool, len(fps))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, fp := range fps {
		fp := fp
		g.Go(func() error {
			exists, err := b.exists(gctx, fp)
			if err != nil {
				return err
			}
			mu.Lock()
			results[fp] = exists
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("kvbackend: exists batch: %w", err)
	}
	return results, nil
}

func (b *Backend) exists(ctx context.Context, fp digest.Fingerprint) (bool, error) {
	var e entity
	err := b.client.Get(ctx, key(fp), &e)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ds.ErrNoSuchEntity):
		return false, nil
	default:
		return false, fmt.Errorf("get %s: %w", fp, err)
	}
}

// Exists reports whether fp has an entity in the store.
func (b *Backend) Exists(ctx context.Context, fp digest.Fingerprint) (bool, error) {
	return b.exists(ctx, fp)
}

// Lease extends fp's expiry by leaseTime from now. Returns an error if
// fp has no entity.
func (b *Backend) Lease(ctx context.Context, fp digest.Fingerprint) error {
	k := key(fp)
	var e entity
	if err := b.client.Get(ctx, k, &e); err != nil {
		if errors.Is(err, ds.ErrNoSuchEntity) {
			return fmt.Errorf("kvbackend: lease %s: no such entity", fp)
		}
		return fmt.Errorf("kvbackend: lease %s: get: %w", fp, err)
	}
	e.Expiry = time.Now().Add(b.leaseTime)
	if _, err := b.client.Put(ctx, k, &e); err != nil {
		return fmt.Errorf("kvbackend: lease %s: put: %w", fp, err)
	}
	return nil
}

// Remove deletes fp's entity. Returns true iff an entity existed and
// was removed.
func (b *Backend) Remove(ctx context.Context, fp digest.Fingerprint) (bool, error) {
	existed, err := b.exists(ctx, fp)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	if err := b.client.Delete(ctx, key(fp)); err != nil {
		return false, fmt.Errorf("kvbackend: remove %s: %w", fp, err)
	}
	return true, nil
}

// StoreBytesBatch writes every item as its own entity. initialLease set
// grants a fresh lease window (expiry = now + leaseTime); unset writes
// the entity with no lease protection (expiry = now), leaving it
// immediately eligible for eviction.
func (b *Backend) StoreBytesBatch(ctx context.Context, items []backend.Item, initialLease bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return b.storeBytes(gctx, item.Fingerprint, item.Bytes, initialLease)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("kvbackend: store bytes batch: %w", err)
	}
	return nil
}

func (b *Backend) storeBytes(ctx context.Context, fp digest.Fingerprint, data []byte, initialLease bool) error {
	compressed, err := b.compressor.Encode(data)
	if err != nil {
		return fmt.Errorf("compress %s: %w", fp, err)
	}

	now := time.Now()
	expiry := now
	if initialLease {
		expiry = now.Add(b.leaseTime)
	}

	e := entity{
		Value:     base64.StdEncoding.EncodeToString(compressed),
		Expiry:    expiry,
		UpdatedAt: now,
		SizeBytes: int64(len(data)),
	}
	if _, err := b.client.Put(ctx, key(fp), &e); err != nil {
		return fmt.Errorf("put %s: %w", fp, err)
	}
	return nil
}

// Store reads srcPath, verifies it hashes to expected, and writes it as
// an entity keyed by expected.Hash. A mismatch against a mutable source
// is retried, for at most maxCopyAttempts attempts in all; against a
// declared-immutable source it is a fatal error.
func (b *Backend) Store(ctx context.Context, expected digest.Digest, srcPath string, srcImmutable, initialLease bool) error {
	for attempt := 1; ; attempt++ {
		data, retry, err := readVerify(expected, srcPath, srcImmutable)
		if err != nil {
			return fmt.Errorf("kvbackend: store %s from %s: %w", expected, srcPath, err)
		}
		if !retry {
			return b.storeBytes(ctx, expected.Hash, data, initialLease)
		}
		if attempt >= maxCopyAttempts {
			return fmt.Errorf("kvbackend: store %s from %s: source kept changing after %d attempts", expected, srcPath, attempt)
		}
	}
}

func readVerify(expected digest.Digest, srcPath string, srcImmutable bool) ([]byte, bool, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, false, fmt.Errorf("open source: %w", err)
	}
	defer src.Close() //nolint:errcheck // read-only handle

	var buf bytes.Buffer
	retry, err := hashcopy.CopyVerify(expected, src, &buf, srcImmutable)
	if err != nil {
		return nil, false, err
	}
	if retry {
		return nil, true, nil
	}
	return buf.Bytes(), false, nil
}

// LoadBytesWith fetches fp, decompresses its value, and applies f to
// the result. Returns (nil, false, nil) if fp has no entity.
func (b *Backend) LoadBytesWith(ctx context.Context, fp digest.Fingerprint, f func([]byte) (any, error)) (any, bool, error) {
	var e entity
	if err := b.client.Get(ctx, key(fp), &e); err != nil {
		if errors.Is(err, ds.ErrNoSuchEntity) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kvbackend: get %s: %w", fp, err)
	}

	compressed, err := base64.StdEncoding.DecodeString(e.Value)
	if err != nil {
		return nil, false, fmt.Errorf("kvbackend: decode %s: %w", fp, err)
	}
	data, err := b.compressor.Decode(compressed)
	if err != nil {
		return nil, false, fmt.Errorf("kvbackend: decompress %s: %w", fp, err)
	}

	v, err := f(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// AgedFingerprints queries every entity in the store and reports its
// size and how long its lease has been expired. expired_seconds_ago is
// 0 when expiry is still in the future.
func (b *Backend) AgedFingerprints(ctx context.Context) ([]digest.AgedFingerprint, error) {
	now := time.Now()
	var aged []digest.AgedFingerprint

	iter := b.client.Run(ctx, ds.NewQuery(entityKind))
	for {
		var e entity
		k, err := iter.Next(&e)
		if errors.Is(err, ds.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("kvbackend: query entities: %w", err)
		}

		fp, err := digest.FingerprintFromHex(k.Name)
		if err != nil {
			return nil, fmt.Errorf("kvbackend: corrupt entity key %q: %w", k.Name, err)
		}

		var expiredSecondsAgo uint64
		if d := now.Sub(e.Expiry); d > 0 {
			expiredSecondsAgo = uint64(d.Seconds())
		}

		aged = append(aged, digest.AgedFingerprint{
			Fingerprint:       fp,
			SizeBytes:         uint64(e.SizeBytes),
			ExpiredSecondsAgo: expiredSecondsAgo,
		})
	}
	return aged, nil
}

// compactor is implemented by ds9 client versions that expose online
// compaction. It is probed with a type assertion rather than called
// directly so this package does not hard-depend on a specific ds9
// release carrying that method.
type compactor interface {
	Compact(ctx context.Context) error
}

// Compact triggers the underlying database's compaction, if the
// client version in use supports it. A client without the capability
// makes this a no-op.
func (b *Backend) Compact(ctx context.Context) error {
	c, ok := any(b.client).(compactor)
	if !ok {
		return nil
	}
	if err := c.Compact(ctx); err != nil {
		return fmt.Errorf("kvbackend: compact: %w", err)
	}
	return nil
}

// AllDigests derives the full digest set from AgedFingerprints.
func (b *Backend) AllDigests(ctx context.Context) ([]digest.Digest, error) {
	return backend.AllDigests(ctx, b)
}
