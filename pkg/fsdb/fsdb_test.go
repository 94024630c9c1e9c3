package fsdb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/bytestore/digest"
	"github.com/codeGROOVE-dev/bytestore/internal/backend"
	"github.com/codeGROOVE-dev/bytestore/internal/blocking"
	"github.com/codeGROOVE-dev/bytestore/internal/hashcopy"
)

func newTestBackend(t *testing.T, leaseTime time.Duration) *Backend {
	t.Helper()
	b, err := New(t.TempDir(), leaseTime, blocking.NewPool(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func digestOf(t *testing.T, data []byte) digest.Digest {
	t.Helper()
	d, err := hashcopy.Hash(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	return d
}

func TestPathIsTwoLevelSharded(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	fp := digestOf(t, []byte("shard me")).Hash
	path := b.Path(fp)
	hexStr := fp.String()

	wantDir := filepath.Join(b.root, hexStr[:2])
	if filepath.Dir(path) != wantDir {
		t.Errorf("Path dir = %s, want %s", filepath.Dir(path), wantDir)
	}
	if filepath.Base(path) != hexStr {
		t.Errorf("Path base = %s, want %s", filepath.Base(path), hexStr)
	}
}

func TestStoreBytesBatchAndLoad(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()

	content := []byte("the quick brown fox jumps over the lazy dog")
	d := digestOf(t, content)

	err := b.StoreBytesBatch(ctx, []backend.Item{{Fingerprint: d.Hash, Bytes: content}}, true)
	if err != nil {
		t.Fatalf("StoreBytesBatch: %v", err)
	}

	info, err := os.Stat(b.Path(d.Hash))
	if err != nil {
		t.Fatalf("stat persisted file: %v", err)
	}
	if info.Mode().Perm() != persistedMode {
		t.Errorf("persisted mode = %o, want %o", info.Mode().Perm(), persistedMode)
	}

	v, ok, err := b.LoadBytesWith(ctx, d.Hash, func(data []byte) (any, error) {
		return append([]byte(nil), data...), nil
	})
	if err != nil {
		t.Fatalf("LoadBytesWith: %v", err)
	}
	if !ok {
		t.Fatal("LoadBytesWith: ok = false, want true")
	}
	if !bytes.Equal(v.([]byte), content) {
		t.Errorf("loaded content = %q, want %q", v, content)
	}
}

func TestLoadBytesWithMissing(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	fp := digestOf(t, []byte("never stored")).Hash

	v, ok, err := b.LoadBytesWith(context.Background(), fp, func([]byte) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("LoadBytesWith: %v", err)
	}
	if ok {
		t.Error("LoadBytesWith: ok = true, want false for missing fingerprint")
	}
	if v != nil {
		t.Errorf("LoadBytesWith: v = %v, want nil", v)
	}
}

func TestExistsBatch(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()

	present := digestOf(t, []byte("present"))
	absent := digestOf(t, []byte("absent"))

	if err := b.StoreBytesBatch(ctx, []backend.Item{{Fingerprint: present.Hash, Bytes: []byte("present")}}, true); err != nil {
		t.Fatalf("StoreBytesBatch: %v", err)
	}

	got, err := b.ExistsBatch(ctx, []digest.Fingerprint{present.Hash, absent.Hash})
	if err != nil {
		t.Fatalf("ExistsBatch: %v", err)
	}
	if !got[present.Hash] {
		t.Error("ExistsBatch: present fingerprint reported absent")
	}
	if got[absent.Hash] {
		t.Error("ExistsBatch: absent fingerprint reported present")
	}
}

func TestRemove(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()
	d := digestOf(t, []byte("removable"))

	if err := b.StoreBytesBatch(ctx, []backend.Item{{Fingerprint: d.Hash, Bytes: []byte("removable")}}, true); err != nil {
		t.Fatalf("StoreBytesBatch: %v", err)
	}

	removed, err := b.Remove(ctx, d.Hash)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !removed {
		t.Error("Remove: removed = false, want true")
	}

	removedAgain, err := b.Remove(ctx, d.Hash)
	if err != nil {
		t.Fatalf("Remove (second): %v", err)
	}
	if removedAgain {
		t.Error("Remove (second): removed = true, want false for already-gone fingerprint")
	}
}

func TestLeaseUpdatesMtime(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()
	d := digestOf(t, []byte("leased"))

	if err := b.StoreBytesBatch(ctx, []backend.Item{{Fingerprint: d.Hash, Bytes: []byte("leased")}}, true); err != nil {
		t.Fatalf("StoreBytesBatch: %v", err)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(b.Path(d.Hash), old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := b.Lease(ctx, d.Hash); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	info, err := os.Stat(b.Path(d.Hash))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if time.Since(info.ModTime()) > time.Minute {
		t.Errorf("mtime not refreshed by Lease: %v", info.ModTime())
	}
}

func TestLeaseMissingFingerprintErrors(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	fp := digestOf(t, []byte("never stored")).Hash
	if err := b.Lease(context.Background(), fp); err == nil {
		t.Error("Lease: err = nil, want error for missing fingerprint")
	}
}

func TestStoreVerifiesAgainstSource(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()

	content := []byte("streamed from a source file")
	d := digestOf(t, content)

	srcPath := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(srcPath, content, 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := b.Store(ctx, d, srcPath, true, true); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := os.ReadFile(b.Path(d.Hash))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("stored content = %q, want %q", got, content)
	}
}

func TestStoreImmutableMismatchFails(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()

	srcPath := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(srcPath, []byte("actual content"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	wrong := digest.Digest{Hash: digest.EmptyFingerprint(), SizeBytes: 999}
	if err := b.Store(ctx, wrong, srcPath, true, true); err == nil {
		t.Error("Store: err = nil, want integrity error for immutable source mismatch")
	}
}

func TestAgedFingerprintsStillLeased(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()
	d := digestOf(t, []byte("fresh"))

	if err := b.StoreBytesBatch(ctx, []backend.Item{{Fingerprint: d.Hash, Bytes: []byte("fresh")}}, true); err != nil {
		t.Fatalf("StoreBytesBatch: %v", err)
	}

	aged, err := b.AgedFingerprints(ctx)
	if err != nil {
		t.Fatalf("AgedFingerprints: %v", err)
	}
	if len(aged) != 1 {
		t.Fatalf("len(aged) = %d, want 1", len(aged))
	}
	if aged[0].ExpiredSecondsAgo != 0 {
		t.Errorf("ExpiredSecondsAgo = %d, want 0 for freshly written entry", aged[0].ExpiredSecondsAgo)
	}
	if aged[0].Fingerprint != d.Hash {
		t.Errorf("Fingerprint = %s, want %s", aged[0].Fingerprint, d.Hash)
	}
}

func TestAgedFingerprintsExpired(t *testing.T) {
	b := newTestBackend(t, time.Minute)
	ctx := context.Background()
	d := digestOf(t, []byte("stale"))

	if err := b.StoreBytesBatch(ctx, []backend.Item{{Fingerprint: d.Hash, Bytes: []byte("stale")}}, true); err != nil {
		t.Fatalf("StoreBytesBatch: %v", err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(b.Path(d.Hash), old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	aged, err := b.AgedFingerprints(ctx)
	if err != nil {
		t.Fatalf("AgedFingerprints: %v", err)
	}
	if len(aged) != 1 {
		t.Fatalf("len(aged) = %d, want 1", len(aged))
	}
	// mtime is an hour old, lease window is a minute: expect roughly
	// 59 minutes of staleness, give or take test execution time.
	if aged[0].ExpiredSecondsAgo < 58*60 {
		t.Errorf("ExpiredSecondsAgo = %d, want >= %d", aged[0].ExpiredSecondsAgo, 58*60)
	}
}

func TestAgedFingerprintsSkipsTempFiles(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	shardDir := filepath.Join(b.root, "ab")
	if err := os.MkdirAll(shardDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shardDir, ".tmp12345"), []byte("x"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	aged, err := b.AgedFingerprints(context.Background())
	if err != nil {
		t.Fatalf("AgedFingerprints: %v", err)
	}
	if len(aged) != 0 {
		t.Errorf("len(aged) = %d, want 0 with only a temp file present", len(aged))
	}
}

func TestAgedFingerprintsRejectsCorruptName(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	shardDir := filepath.Join(b.root, "zz")
	if err := os.MkdirAll(shardDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shardDir, "not-a-fingerprint"), []byte("x"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := b.AgedFingerprints(context.Background()); err == nil {
		t.Error("AgedFingerprints: err = nil, want error for corrupt entry name")
	}
}

// TestCrashMidWriteLeavesDigestAbsentThenStoreRecovers drives spec
// scenario 5, "crash atomicity": a process that died mid-write leaves
// only a stray temp file behind, never the final path, so the digest
// it was writing must report absent; a later Store for that same
// digest must still complete normally, since the stray temp file
// doesn't occupy or block the final path.
func TestCrashMidWriteLeavesDigestAbsentThenStoreRecovers(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()

	content := []byte("content that was mid-write when the process crashed")
	d := digestOf(t, content)

	shardDir := filepath.Dir(b.Path(d.Hash))
	if err := os.MkdirAll(shardDir, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(shardDir, ".tmp-crashed"), []byte("partial"), 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	exists, err := b.Exists(ctx, d.Hash)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("Exists reported true for a digest whose only trace is a stray temp file")
	}

	srcPath := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(srcPath, content, 0o640); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := b.Store(ctx, d, srcPath, true, true); err != nil {
		t.Fatalf("Store after simulated crash: %v", err)
	}

	got, err := os.ReadFile(b.Path(d.Hash))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("stored content = %q, want %q", got, content)
	}
}

func TestAllDigests(t *testing.T) {
	b := newTestBackend(t, time.Hour)
	ctx := context.Background()
	d := digestOf(t, []byte("digest me"))

	if err := b.StoreBytesBatch(ctx, []backend.Item{{Fingerprint: d.Hash, Bytes: []byte("digest me")}}, true); err != nil {
		t.Fatalf("StoreBytesBatch: %v", err)
	}

	digests, err := b.AllDigests(ctx)
	if err != nil {
		t.Fatalf("AllDigests: %v", err)
	}
	if len(digests) != 1 || digests[0] != d {
		t.Errorf("AllDigests = %v, want [%v]", digests, d)
	}
}
