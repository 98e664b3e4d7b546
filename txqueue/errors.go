package txqueue

import "errors"

var (
	// ErrNotFound is returned when no queue entry matches the lookup.
	ErrNotFound = errors.New("txqueue: transaction not found")
	// ErrInvalidStatus is returned for illegal lifecycle transitions.
	ErrInvalidStatus = errors.New("txqueue: illegal status transition")
	// ErrMissingRawTx is returned when an entry without signed bytes is asked
	// to move past PENDING.
	ErrMissingRawTx = errors.New("txqueue: transaction has no signed payload")
	// ErrClosed is returned once the queue has been stopped.
	ErrClosed = errors.New("txqueue: queue stopped")
)
