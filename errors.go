package parhash

import "errors"

var (
	ErrInvalidConfig     = errors.New("parhash: invalid config")
	ErrUnsupportedDevice = errors.New("parhash: unsupported device")
	ErrClosed            = errors.New("parhash: store is closed")

	// ErrBatchTooLarge is returned when a batch holds more keys than the
	// store was built for. Nothing in the batch is applied.
	ErrBatchTooLarge = errors.New("parhash: batch exceeds max keys")
	// ErrShortBuffer is returned when a key or value buffer holds fewer
	// bytes than count entries need.
	ErrShortBuffer = errors.New("parhash: buffer too short for batch")
	ErrEntrySize   = errors.New("parhash: key or value has the wrong size")

	// ErrDuplicateKey and ErrExhausted are per-key Insert outcomes. The
	// batched Store reports them as a zero mask entry, never as an error.
	ErrDuplicateKey = errors.New("parhash: key already present")
	ErrExhausted    = errors.New("parhash: no free slot")

	ErrSnapshotFormat = errors.New("parhash: malformed snapshot")
)
