package bytestore

import (
	"context"
	"log/slog"
	"time"
)

// Observer is an optional sink for read-path telemetry. Both methods
// are called once per successful LoadBytesWith call that reads from a
// backend - never on writes, never on a miss, and not for the empty
// digest, which is served without a read.
type Observer interface {
	// LocalStoreReadBlobSize records the size, in bytes, of a blob just
	// read from either local tier.
	LocalStoreReadBlobSize(sizeBytes uint64)
	// LocalStoreReadBlobTimeMicros records how long the read took.
	LocalStoreReadBlobTimeMicros(micros int64)
}

type observerKey struct{}

// WithObserver attaches obs to ctx. Operations on a Store consult the
// innermost attached Observer, if any.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

func observerFrom(ctx context.Context) Observer {
	obs, _ := ctx.Value(observerKey{}).(Observer)
	return obs
}

// observeRead reports a completed read to ctx's attached Observer, if
// any.
func observeRead(ctx context.Context, sizeBytes uint64, elapsed time.Duration) {
	obs := observerFrom(ctx)
	if obs == nil {
		return
	}
	obs.LocalStoreReadBlobSize(sizeBytes)
	obs.LocalStoreReadBlobTimeMicros(elapsed.Microseconds())
}

// slogObserver adapts the two-channel Observer interface to structured
// log lines, in the same debug-level, key-value idiom the rest of this
// package's backends use for their own diagnostics.
type slogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver returns an Observer that logs each read at debug
// level. A nil logger uses slog's default logger.
func NewSlogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogObserver{logger: logger}
}

func (o *slogObserver) LocalStoreReadBlobSize(sizeBytes uint64) {
	o.logger.Debug("read blob", "size_bytes", sizeBytes)
}

func (o *slogObserver) LocalStoreReadBlobTimeMicros(micros int64) {
	o.logger.Debug("read blob latency", "micros", micros)
}
