package narinfocache

import (
	"errors"
	"fmt"

	perrors "github.com/jmgilman/go/errors"
)

var (
	// ErrNotFound is returned when a cache descriptor does not exist. It is an
	// expected outcome: the caller has simply never registered the cache.
	ErrNotFound = perrors.New(perrors.CodeNotFound, "narinfocache: not found")

	// ErrLockTimeout is returned when another process held the store's write
	// lock for longer than the configured lock timeout.
	ErrLockTimeout = perrors.New(perrors.CodeTimeout, "narinfocache: timed out waiting for store lock")

	// ErrCorruptSchema is returned when the store file exists but its structure
	// is not what this package expects. It is never repaired automatically.
	ErrCorruptSchema = perrors.New(perrors.CodeSchemaVersionIncompatible, "narinfocache: corrupt or foreign store schema")

	// ErrInvalidHashPart is returned for an empty or malformed hash part.
	ErrInvalidHashPart = perrors.New(perrors.CodeInvalidInput, "narinfocache: invalid hash part")

	// ErrInvalidCacheURL is returned when a cache is registered without a URL.
	ErrInvalidCacheURL = perrors.New(perrors.CodeInvalidInput, "narinfocache: invalid cache url")

	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("narinfocache: store closed")
)

// IOFailure wraps an error from the underlying storage. The result still
// matches err with errors.Is.
func IOFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe perrors.PlatformError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return perrors.WithClassification(perrors.Wrap(err, perrors.CodeDatabase, op), perrors.ClassificationPermanent)
}

// IsRetryable reports whether retrying the whole operation may succeed.
// Only lock contention is retryable; schema and input errors are permanent.
func IsRetryable(err error) bool {
	return perrors.IsRetryable(err)
}

// IsCorrupt reports whether err signals a corrupt or foreign store.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptSchema)
}

// Corrupt wraps detail so that it matches ErrCorruptSchema.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptSchema, fmt.Sprintf(format, args...))
}
