package txqueue

import "fmt"

// Status is the lifecycle state of a queued transaction.
type Status string

const (
	// StatusPending marks an entry accepted but not yet signed.
	StatusPending Status = "PENDING"
	// StatusSigned marks an entry carrying its raw signed bytes, waiting for
	// connectivity.
	StatusSigned Status = "SIGNED"
	// StatusBroadcasted marks an entry pushed out to a chain endpoint or
	// relayed through the mesh.
	StatusBroadcasted Status = "BROADCASTED"
	// StatusConfirmed marks an entry observed in a block. Terminal.
	StatusConfirmed Status = "CONFIRMED"
	// StatusFailed marks an entry that exhausted its broadcast budget or was
	// failed explicitly. Retryable back to SIGNED.
	StatusFailed Status = "FAILED"
)

// Valid reports whether the status is one the queue knows.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSigned, StatusBroadcasted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the happy path. FAILED is terminal
// only until a retry moves it back to SIGNED.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

var legalTransitions = map[Status]map[Status]struct{}{
	StatusPending:     {StatusSigned: {}},
	StatusSigned:      {StatusBroadcasted: {}, StatusFailed: {}},
	StatusBroadcasted: {StatusConfirmed: {}, StatusFailed: {}},
	StatusFailed:      {StatusSigned: {}},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	next, ok := legalTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, from, to)
	}
	return nil
}
