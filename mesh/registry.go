package mesh

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"walletmesh/crypto"
	"walletmesh/observability/logging"
)

// PeerState tracks where a peer sits in its connection lifecycle.
type PeerState uint8

const (
	PeerDiscovered PeerState = iota
	PeerHandshaking
	PeerConnected
	PeerStale
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerDiscovered:
		return "discovered"
	case PeerHandshaking:
		return "handshaking"
	case PeerConnected:
		return "connected"
	case PeerStale:
		return "stale"
	case PeerDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// PeerInfo is the registry's view of a remote node.
type PeerInfo struct {
	ID         NodeID
	PublicKey  *crypto.PublicKey
	Transport  string
	Address    string
	Wallet     string
	State      PeerState
	LastSeen   time.Time
	LatencyMS  float64
	Reputation int
}

// RegistryConfig tunes peer bookkeeping. Zero values fall back to defaults.
type RegistryConfig struct {
	// MaxPeers caps tracked peers. Default 20.
	MaxPeers int
	// InitialReputation seeds newly discovered peers. Default 50.
	InitialReputation int
	// SuccessDelta is added on successful exchanges. Default 1.
	SuccessDelta int
	// FailureDelta is subtracted on failures and staleness. Default 10.
	FailureDelta int
	// StaleAfter is the silence window before a connected peer turns stale.
	// Default 5 minutes.
	StaleAfter time.Duration
	// Store persists peer metadata across restarts when set.
	Store *Peerstore
	// Logger receives registry events. Defaults to slog.Default.
	Logger *slog.Logger
}

const (
	defaultMaxPeers          = 20
	defaultInitialReputation = 50
	defaultSuccessDelta      = 1
	defaultFailureDelta      = 10
	defaultStaleAfter        = 5 * time.Minute

	maxReputation = 100
	minReputation = 0

	latencyEWMAAlpha = 0.2
)

// Registry owns the peer table: lifecycle transitions, reputation, staleness,
// and reputation-weighted sampling for gossip fan-out.
type Registry struct {
	cfg  RegistryConfig
	self NodeID
	log  *slog.Logger

	mu    sync.RWMutex
	peers map[NodeID]*PeerInfo
	rng   *rand.Rand
	now   func() time.Time
}

// NewRegistry builds a registry for the local node. Persisted peers from the
// configured store are rehydrated as DISCOVERED candidates.
func NewRegistry(self NodeID, cfg RegistryConfig) *Registry {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.InitialReputation <= 0 {
		cfg.InitialReputation = defaultInitialReputation
	}
	if cfg.InitialReputation > maxReputation {
		cfg.InitialReputation = maxReputation
	}
	if cfg.SuccessDelta <= 0 {
		cfg.SuccessDelta = defaultSuccessDelta
	}
	if cfg.FailureDelta <= 0 {
		cfg.FailureDelta = defaultFailureDelta
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		cfg:   cfg,
		self:  self,
		log:   logger.With(slog.String("component", "mesh-registry")),
		peers: make(map[NodeID]*PeerInfo),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   time.Now,
	}
	r.rehydrate()
	return r
}

func (r *Registry) rehydrate() {
	if r.cfg.Store == nil {
		return
	}
	restored := 0
	for _, rec := range r.cfg.Store.All() {
		info, err := rec.toPeerInfo()
		if err != nil {
			r.log.Warn("discarding unreadable peer record", slog.String("error", err.Error()))
			continue
		}
		if info.ID == r.self || info.ID.IsZero() {
			continue
		}
		if len(r.peers) >= r.cfg.MaxPeers {
			break
		}
		info.State = PeerDiscovered
		r.peers[info.ID] = &info
		restored++
	}
	if restored > 0 {
		r.log.Info("restored peers from store", slog.Int("count", restored))
	}
}

// Discover registers a peer candidate. Known peers have their endpoint and
// key material refreshed instead. When the table is full the lowest-reputation
// non-connected peer makes room, or the discovery is rejected.
func (r *Registry) Discover(info PeerInfo) error {
	if info.ID.IsZero() {
		return fmt.Errorf("%w: empty node id", ErrUnknownPeer)
	}
	if info.ID == r.self {
		return ErrSelfPeer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing := r.peers[info.ID]; existing != nil {
		if info.Address != "" {
			existing.Address = info.Address
		}
		if info.Transport != "" {
			existing.Transport = info.Transport
		}
		if info.PublicKey != nil {
			existing.PublicKey = info.PublicKey
		}
		if info.Wallet != "" {
			existing.Wallet = info.Wallet
		}
		existing.LastSeen = now
		r.persistLocked(existing)
		return nil
	}

	if len(r.peers) >= r.cfg.MaxPeers {
		victim := r.evictionVictimLocked()
		if victim == nil {
			return ErrRegistryFull
		}
		r.log.Debug("evicting peer for newcomer",
			logging.MaskField("peer_id", victim.ID.String()),
			slog.Int("reputation", victim.Reputation))
		r.removeLocked(victim.ID)
	}

	entry := info
	entry.State = PeerDiscovered
	entry.LastSeen = now
	if entry.Reputation <= 0 {
		entry.Reputation = r.cfg.InitialReputation
	}
	r.peers[entry.ID] = &entry
	r.persistLocked(&entry)
	return nil
}

// evictionVictimLocked picks the lowest-reputation peer that does not hold a
// live session, oldest activity breaking ties. Connected peers are never
// evicted in favour of an unproven newcomer.
func (r *Registry) evictionVictimLocked() *PeerInfo {
	var victim *PeerInfo
	for _, peer := range r.peers {
		if peer.State == PeerConnected || peer.State == PeerHandshaking {
			continue
		}
		if victim == nil ||
			peer.Reputation < victim.Reputation ||
			(peer.Reputation == victim.Reputation && peer.LastSeen.Before(victim.LastSeen)) {
			victim = peer
		}
	}
	if victim == nil {
		return nil
	}
	if victim.Reputation >= r.cfg.InitialReputation {
		return nil
	}
	return victim
}

// BeginHandshake moves a peer into HANDSHAKING ahead of the hello exchange.
func (r *Registry) BeginHandshake(id NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[id]
	if peer == nil {
		return ErrUnknownPeer
	}
	switch peer.State {
	case PeerDiscovered, PeerStale, PeerDisconnected:
		peer.State = PeerHandshaking
		return nil
	case PeerHandshaking:
		return nil
	default:
		return fmt.Errorf("%w: %s -> handshaking", ErrInvalidTransition, peer.State)
	}
}

// MarkConnected completes the handshake, recording the authenticated public
// key learned from the peer's signed hello.
func (r *Registry) MarkConnected(id NodeID, pub *crypto.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[id]
	if peer == nil {
		return ErrUnknownPeer
	}
	switch peer.State {
	case PeerHandshaking, PeerStale:
		peer.State = PeerConnected
	case PeerConnected:
		// Re-keyed session, keep state.
	default:
		return fmt.Errorf("%w: %s -> connected", ErrInvalidTransition, peer.State)
	}
	if pub != nil {
		peer.PublicKey = pub
	}
	peer.LastSeen = r.now()
	r.persistLocked(peer)
	return nil
}

// Disconnect tears the session down but keeps the peer's metadata so a later
// reconnect starts warm. Disconnecting an unknown peer is a no-op.
func (r *Registry) Disconnect(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[id]
	if peer == nil || peer.State == PeerDisconnected {
		return
	}
	peer.State = PeerDisconnected
	r.persistLocked(peer)
}

// Remove drops the peer entirely, including its persisted record.
func (r *Registry) Remove(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id NodeID) {
	delete(r.peers, id)
	if r.cfg.Store != nil {
		if err := r.cfg.Store.Remove(id); err != nil {
			r.log.Warn("remove peer record", slog.String("error", err.Error()))
		}
	}
}

// Touch refreshes the peer's activity timestamp. Stale peers that show signs
// of life move back to CONNECTED.
func (r *Registry) Touch(id NodeID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[id]
	if peer == nil {
		return
	}
	if at.IsZero() {
		at = r.now()
	}
	if at.After(peer.LastSeen) {
		peer.LastSeen = at
	}
	if peer.State == PeerStale {
		peer.State = PeerConnected
	}
}

// SweepResult summarises one staleness pass.
type SweepResult struct {
	MarkedStale  []NodeID
	Disconnected []NodeID
	Evicted      []NodeID
}

// StaleSweep walks the table: connected peers silent past the threshold turn
// STALE and take a reputation penalty, stale peers silent past twice the
// threshold are disconnected, stuck handshakes fall back to DISCOVERED, and
// zero-reputation disconnected peers are dropped.
func (r *Registry) StaleSweep(now time.Time) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.IsZero() {
		now = r.now()
	}
	var result SweepResult
	for id, peer := range r.peers {
		silent := now.Sub(peer.LastSeen)
		switch peer.State {
		case PeerConnected:
			if silent > r.cfg.StaleAfter {
				peer.State = PeerStale
				r.applyReputationLocked(peer, -r.cfg.FailureDelta)
				result.MarkedStale = append(result.MarkedStale, id)
			}
		case PeerStale:
			if silent > 2*r.cfg.StaleAfter {
				peer.State = PeerDisconnected
				r.persistLocked(peer)
				result.Disconnected = append(result.Disconnected, id)
			}
		case PeerHandshaking:
			if silent > r.cfg.StaleAfter {
				peer.State = PeerDiscovered
			}
		case PeerDisconnected:
			if peer.Reputation <= minReputation {
				r.removeLocked(id)
				result.Evicted = append(result.Evicted, id)
			}
		}
	}
	if len(result.MarkedStale) > 0 || len(result.Disconnected) > 0 || len(result.Evicted) > 0 {
		r.log.Debug("stale sweep",
			slog.Int("stale", len(result.MarkedStale)),
			slog.Int("disconnected", len(result.Disconnected)),
			slog.Int("evicted", len(result.Evicted)))
	}
	return result
}

// WeightedSample draws up to n distinct connected peers, each picked with
// probability proportional to its reputation. Zero-reputation peers are never
// selected.
func (r *Registry) WeightedSample(n int, exclude ...NodeID) []PeerInfo {
	if n <= 0 {
		return nil
	}
	excluded := make(map[NodeID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.State != PeerConnected || peer.Reputation <= 0 {
			continue
		}
		if _, skip := excluded[peer.ID]; skip {
			continue
		}
		candidates = append(candidates, peer)
	}
	// Stable order so equal-weight draws are reproducible under a seeded rng.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID.String() < candidates[j].ID.String()
	})

	selected := make([]PeerInfo, 0, n)
	for len(selected) < n && len(candidates) > 0 {
		total := 0
		for _, peer := range candidates {
			total += peer.Reputation
		}
		ticket := r.rng.Intn(total)
		idx := 0
		for i, peer := range candidates {
			ticket -= peer.Reputation
			if ticket < 0 {
				idx = i
				break
			}
		}
		selected = append(selected, *candidates[idx])
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}
	return selected
}

// Peer returns a copy of the tracked peer, if any.
func (r *Registry) Peer(id NodeID) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer := r.peers[id]
	if peer == nil {
		return PeerInfo{}, false
	}
	return *peer, true
}

// Snapshot copies the whole table, ordered by node id for stable output.
func (r *Registry) Snapshot() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, *peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// ConnectedCount reports how many peers hold live sessions.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, peer := range r.peers {
		if peer.State == PeerConnected {
			n++
		}
	}
	return n
}

// Count reports the total number of tracked peers in any state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// DiscoveredPeers lists candidates that are known but not yet dialled.
func (r *Registry) DiscoveredPeers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, peer := range r.peers {
		if peer.State == PeerDiscovered || peer.State == PeerDisconnected {
			out = append(out, *peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (r *Registry) persistLocked(peer *PeerInfo) {
	if r.cfg.Store == nil || peer == nil {
		return
	}
	if err := r.cfg.Store.Put(*peer); err != nil {
		r.log.Warn("persist peer record",
			logging.MaskField("peer_id", peer.ID.String()),
			slog.String("error", err.Error()))
	}
}
