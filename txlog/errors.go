package txlog

import "errors"

var (
	// ErrNotFound is returned for ids that are zero, below the base id or
	// above the high-water mark.
	ErrNotFound = errors.New("transaction not found")

	// ErrCorruptIndex is returned when the index file cannot be trusted.
	// It is fatal: ingestion must stop.
	ErrCorruptIndex = errors.New("transaction index corrupt")

	// ErrCorruptRecord is returned when log bytes do not match the checksum
	// stored in their index record, or fail to decode.
	ErrCorruptRecord = errors.New("transaction record corrupt")

	// ErrAppendFailed wraps an append that was rolled back. Nothing was
	// committed and the same chain may be retried.
	ErrAppendFailed = errors.New("append failed")

	// ErrFatal wraps an append whose rollback failed, or whose id allocation
	// could not be persisted. The store refuses further appends.
	ErrFatal = errors.New("transaction log in fatal state")

	// ErrReadOnly is returned by Append on a store opened with OpenReadOnly.
	ErrReadOnly = errors.New("transaction log opened read-only")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transaction log closed")
)
