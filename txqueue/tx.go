package txqueue

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Draft is the caller-supplied part of a new queue entry.
type Draft struct {
	ChainID string
	From    string
	To      string
	Value   *uint256.Int
	Nonce   uint64
	Data    []byte
}

// QueuedTransaction is one wallet transaction riding out an offline window.
// RawTx and TxHash fill in as the entry moves through its lifecycle.
type QueuedTransaction struct {
	ID        uuid.UUID
	ChainID   string
	From      string
	To        string
	Value     *uint256.Int
	Nonce     uint64
	Data      []byte
	RawTx     []byte
	TxHash    string
	Status    Status
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can hold snapshots without racing the
// queue's own mutations.
func (tx *QueuedTransaction) Clone() *QueuedTransaction {
	if tx == nil {
		return nil
	}
	clone := *tx
	if tx.Value != nil {
		clone.Value = new(uint256.Int).Set(tx.Value)
	}
	clone.Data = append([]byte(nil), tx.Data...)
	clone.RawTx = append([]byte(nil), tx.RawTx...)
	return &clone
}
