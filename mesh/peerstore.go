package mesh

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"walletmesh/crypto"

	"github.com/syndtr/goleveldb/leveldb"
)

const peerKeyPrefix = "peer:"

// peerRecord is the JSON shape persisted per peer. The public key is stored
// as hex-encoded uncompressed SEC1 bytes so rehydrated peers can be dialled
// without re-learning their identity.
type peerRecord struct {
	NodeID     string    `json:"nodeId"`
	PublicKey  string    `json:"publicKey,omitempty"`
	Transport  string    `json:"transport"`
	Address    string    `json:"address"`
	Wallet     string    `json:"wallet,omitempty"`
	Reputation int       `json:"reputation"`
	LastSeen   time.Time `json:"lastSeen"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (rec peerRecord) toPeerInfo() (PeerInfo, error) {
	id, err := ParseNodeID(rec.NodeID)
	if err != nil {
		return PeerInfo{}, err
	}
	info := PeerInfo{
		ID:         id,
		Transport:  rec.Transport,
		Address:    rec.Address,
		Wallet:     rec.Wallet,
		Reputation: clampReputation(rec.Reputation),
		LastSeen:   rec.LastSeen,
	}
	if rec.PublicKey != "" {
		raw, err := hex.DecodeString(rec.PublicKey)
		if err != nil {
			return PeerInfo{}, fmt.Errorf("decode peer public key: %w", err)
		}
		pub, err := crypto.PublicKeyFromBytes(raw)
		if err != nil {
			return PeerInfo{}, fmt.Errorf("parse peer public key: %w", err)
		}
		info.PublicKey = pub
	}
	return info, nil
}

func recordFromPeerInfo(info PeerInfo, now time.Time) peerRecord {
	rec := peerRecord{
		NodeID:     info.ID.String(),
		Transport:  info.Transport,
		Address:    info.Address,
		Wallet:     info.Wallet,
		Reputation: info.Reputation,
		LastSeen:   info.LastSeen,
		UpdatedAt:  now,
	}
	if info.PublicKey != nil {
		rec.PublicKey = hex.EncodeToString(info.PublicKey.Bytes())
	}
	return rec
}

// Peerstore is a concurrency-safe persistent registry of peer metadata used
// to warm-start the peer table across restarts.
type Peerstore struct {
	mu sync.RWMutex

	db      *leveldb.DB
	records map[string]*peerRecord
}

// NewPeerstore opens (or creates) a peer store backed by LevelDB at the given path.
func NewPeerstore(path string) (*Peerstore, error) {
	if path == "" {
		return nil, errors.New("mesh: peerstore path required")
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	store := &Peerstore{
		db:      db,
		records: make(map[string]*peerRecord),
	}
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	ps.records = nil
	return err
}

// Put inserts or updates the record for a peer.
func (ps *Peerstore) Put(info PeerInfo) error {
	if info.ID.IsZero() {
		return errors.New("mesh: peerstore node id required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := recordFromPeerInfo(info, time.Now())
	if existing := ps.records[rec.NodeID]; existing != nil {
		if rec.Address == "" {
			rec.Address = existing.Address
		}
		if rec.Transport == "" {
			rec.Transport = existing.Transport
		}
		if rec.PublicKey == "" {
			rec.PublicKey = existing.PublicKey
		}
		if rec.LastSeen.IsZero() {
			rec.LastSeen = existing.LastSeen
		}
	}
	ps.records[rec.NodeID] = &rec
	return ps.persistLocked(&rec)
}

// Get returns the stored view of a peer.
func (ps *Peerstore) Get(id NodeID) (PeerInfo, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.records[id.String()]
	if rec == nil {
		return PeerInfo{}, false
	}
	info, err := rec.toPeerInfo()
	if err != nil {
		return PeerInfo{}, false
	}
	return info, true
}

// Remove deletes the record for a peer. Removing an absent peer is a no-op.
func (ps *Peerstore) Remove(id NodeID) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	key := id.String()
	if _, ok := ps.records[key]; !ok {
		return nil
	}
	delete(ps.records, key)
	if ps.db == nil {
		return errors.New("mesh: peerstore closed")
	}
	return ps.db.Delete([]byte(peerKeyPrefix+key), nil)
}

// All returns every stored record, most recently updated first.
func (ps *Peerstore) All() []peerRecord {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]peerRecord, 0, len(ps.records))
	for _, rec := range ps.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Len reports the number of stored records.
func (ps *Peerstore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.records)
}

func (ps *Peerstore) persistLocked(rec *peerRecord) error {
	if ps.db == nil {
		return errors.New("mesh: peerstore closed")
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ps.db.Put([]byte(peerKeyPrefix+rec.NodeID), blob, nil)
}

func (ps *Peerstore) load() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	iter := ps.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < len(peerKeyPrefix) || key[:len(peerKeyPrefix)] != peerKeyPrefix {
			continue
		}
		var rec peerRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peer %s: %w", key, err)
		}
		stored := rec
		ps.records[rec.NodeID] = &stored
	}
	return iter.Error()
}
