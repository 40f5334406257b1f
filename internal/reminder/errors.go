package reminder

import (
	"errors"
	"fmt"

	"tweetup/internal/policy"
)

var (
	// ErrInvalidPolicy is returned for malformed recurrence input. Such
	// policies are rejected at registration and never stored.
	ErrInvalidPolicy = policy.ErrInvalidPolicy

	// ErrItemNotFound is returned for operations on unknown item ids.
	ErrItemNotFound = errors.New("item not found")

	// ErrStorageUnavailable wraps driver I/O failures. Callers treat it as
	// retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeliveryFailed wraps sink failures. The entry stays due.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrCorrupt marks persisted state that failed a checksum or schema
	// version check. Fatal at startup.
	ErrCorrupt = errors.New("storage corrupt")

	ErrEmptyID = errors.New("item id is empty")
	ErrBadID   = errors.New("item id must be trimmed and at most 256 bytes")
)

// Unavailable wraps err as ErrStorageUnavailable, keeping the cause.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrCorrupt) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// Corrupt builds an ErrCorrupt with context.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether a failed operation may succeed later without
// any change in input.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrDeliveryFailed)
}
