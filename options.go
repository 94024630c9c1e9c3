package bytestore

import "time"

// LargeFileSizeLimit is the size threshold, in bytes, at or above which a
// File-kind blob is routed to FSDB instead of the file KV database.
const LargeFileSizeLimit = 524288

// defaultShardCount is used when LocalOptions.ShardCount is left at zero.
const defaultShardCount = 16

// defaultLeaseTime is used when LocalOptions.LeaseTime is left at zero.
const defaultLeaseTime = time.Hour

// LocalOptions configures a Store rooted at a local directory.
type LocalOptions struct {
	// Root is the directory the store's KV databases and FSDB tree are
	// created under. It is created if it does not already exist.
	Root string

	// FilesMaxSizeBytes is passed to the file KV backend as a size limit.
	// The KV backend does not enforce it: a non-zero value is logged at
	// debug level and otherwise ignored.
	FilesMaxSizeBytes int64

	// DirectoriesMaxSizeBytes is passed to the directory KV backend as a
	// size limit. The KV backend does not enforce it: a non-zero value is
	// logged at debug level and otherwise ignored.
	DirectoriesMaxSizeBytes int64

	// LeaseTime is how long a blob is considered fresh after its last
	// write or explicit lease. Zero defaults to one hour.
	LeaseTime time.Duration

	// ShardCount is passed to each KV backend as its shard count. Zero
	// defaults to 16. The KV backend does not apply it: the value is
	// logged at debug level and otherwise ignored.
	ShardCount int

	// BlockingPoolSize bounds how many blocking filesystem operations
	// (FSDB directory walks, mtime updates, temp file creation) may run
	// concurrently. Zero defaults to GOMAXPROCS.
	BlockingPoolSize int
}

// Option is a functional option for configuring a Store.
type Option func(*LocalOptions)

// WithFilesMaxSize sets LocalOptions.FilesMaxSizeBytes, a size limit the
// file KV backend logs but does not enforce.
func WithFilesMaxSize(n int64) Option {
	return func(o *LocalOptions) { o.FilesMaxSizeBytes = n }
}

// WithDirectoriesMaxSize sets LocalOptions.DirectoriesMaxSizeBytes, a
// size limit the directory KV backend logs but does not enforce.
func WithDirectoriesMaxSize(n int64) Option {
	return func(o *LocalOptions) { o.DirectoriesMaxSizeBytes = n }
}

// WithLeaseTime sets the freshness window a write or explicit lease
// grants a blob before it becomes eligible for eviction.
func WithLeaseTime(d time.Duration) Option {
	return func(o *LocalOptions) { o.LeaseTime = d }
}

// WithShardCount sets LocalOptions.ShardCount, a shard count the KV
// backends log but do not apply.
func WithShardCount(n int) Option {
	return func(o *LocalOptions) { o.ShardCount = n }
}

// WithBlockingPoolSize bounds concurrent blocking filesystem work.
func WithBlockingPoolSize(n int) Option {
	return func(o *LocalOptions) { o.BlockingPoolSize = n }
}

// defaultOptions returns the baseline configuration applied before any
// Option overrides are processed.
func defaultOptions(root string) *LocalOptions {
	return &LocalOptions{
		Root:       root,
		LeaseTime:  defaultLeaseTime,
		ShardCount: defaultShardCount,
	}
}
