package txqueue

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const txKeyPrefix = "tx:"

// txRecord is the JSON shape persisted per entry. Value rides as a 0x hex
// string so arbitrary-precision amounts survive the round trip.
type txRecord struct {
	ID        string    `json:"id"`
	ChainID   string    `json:"chainId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Value     string    `json:"value,omitempty"`
	Nonce     uint64    `json:"nonce"`
	Data      []byte    `json:"data,omitempty"`
	RawTx     []byte    `json:"rawTx,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func recordFromTx(tx *QueuedTransaction) txRecord {
	rec := txRecord{
		ID:        tx.ID.String(),
		ChainID:   tx.ChainID,
		From:      tx.From,
		To:        tx.To,
		Nonce:     tx.Nonce,
		Data:      tx.Data,
		RawTx:     tx.RawTx,
		TxHash:    tx.TxHash,
		Status:    string(tx.Status),
		Attempts:  tx.Attempts,
		LastError: tx.LastError,
		CreatedAt: tx.CreatedAt,
		UpdatedAt: tx.UpdatedAt,
	}
	if tx.Value != nil {
		rec.Value = tx.Value.Hex()
	}
	return rec
}

func (rec txRecord) toTx() (*QueuedTransaction, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("txqueue: record id %q: %w", rec.ID, err)
	}
	status := Status(rec.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("txqueue: record %s has unknown status %q", rec.ID, rec.Status)
	}
	tx := &QueuedTransaction{
		ID:        id,
		ChainID:   rec.ChainID,
		From:      rec.From,
		To:        rec.To,
		Nonce:     rec.Nonce,
		Data:      rec.Data,
		RawTx:     rec.RawTx,
		TxHash:    rec.TxHash,
		Status:    status,
		Attempts:  rec.Attempts,
		LastError: rec.LastError,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Value != "" {
		value, err := uint256.FromHex(rec.Value)
		if err != nil {
			return nil, fmt.Errorf("txqueue: record %s value %q: %w", rec.ID, rec.Value, err)
		}
		tx.Value = value
	}
	return tx, nil
}

// Store is the durable layer under the queue. Every mutation is written
// through synchronously so a crash never loses an accepted entry.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens (or creates) the LevelDB database at the provided path.
func OpenStore(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("txqueue: store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("txqueue: resolve store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("txqueue: open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put writes one entry through to disk.
func (s *Store) Put(tx *QueuedTransaction) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("txqueue: store not open")
	}
	blob, err := json.Marshal(recordFromTx(tx))
	if err != nil {
		return fmt.Errorf("txqueue: encode %s: %w", tx.ID, err)
	}
	if err := s.db.Put([]byte(txKeyPrefix+tx.ID.String()), blob, nil); err != nil {
		return fmt.Errorf("txqueue: persist %s: %w", tx.ID, err)
	}
	return nil
}

// Delete removes one entry. Deleting an absent entry is a no-op.
func (s *Store) Delete(id uuid.UUID) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("txqueue: store not open")
	}
	if err := s.db.Delete([]byte(txKeyPrefix+id.String()), nil); err != nil {
		return fmt.Errorf("txqueue: delete %s: %w", id, err)
	}
	return nil
}

// All loads every persisted entry, oldest first. Unreadable records are
// skipped and reported alongside the good ones so one corrupt row cannot
// wedge startup.
func (s *Store) All() ([]*QueuedTransaction, []error) {
	if s == nil || s.db == nil {
		return nil, []error{fmt.Errorf("txqueue: store not open")}
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(txKeyPrefix)), nil)
	defer iter.Release()

	var txs []*QueuedTransaction
	var errs []error
	for iter.Next() {
		var rec txRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			errs = append(errs, fmt.Errorf("txqueue: decode %s: %w", iter.Key(), err))
			continue
		}
		tx, err := rec.toTx()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		txs = append(txs, tx)
	}
	if err := iter.Error(); err != nil {
		errs = append(errs, fmt.Errorf("txqueue: iterate store: %w", err))
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
	return txs, errs
}
