package mesh

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"
)

func testNodeID(n int) NodeID {
	var id NodeID
	id[0] = byte(n)
	id[1] = byte(n >> 8)
	id[31] = 0x01
	return id
}

func testPeer(n int) PeerInfo {
	return PeerInfo{
		ID:        testNodeID(n),
		Transport: "mem",
		Address:   fmt.Sprintf("peer-%d", n),
	}
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	reg := NewRegistry(testNodeID(0xffff), cfg)
	reg.rng = rand.New(rand.NewSource(42))
	return reg
}

// connect walks a peer through the discovery handshake into CONNECTED.
func connectPeer(t *testing.T, reg *Registry, info PeerInfo) {
	t.Helper()
	if err := reg.Discover(info); err != nil {
		t.Fatalf("discover %s: %v", info.Address, err)
	}
	if err := reg.BeginHandshake(info.ID); err != nil {
		t.Fatalf("begin handshake: %v", err)
	}
	if err := reg.MarkConnected(info.ID, nil); err != nil {
		t.Fatalf("mark connected: %v", err)
	}
}

func TestDiscoverRegistersAndRefreshes(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	peer := testPeer(1)

	if err := reg.Discover(peer); err != nil {
		t.Fatalf("discover: %v", err)
	}
	got, ok := reg.Peer(peer.ID)
	if !ok {
		t.Fatalf("peer not tracked")
	}
	if got.State != PeerDiscovered {
		t.Fatalf("expected discovered state, got %s", got.State)
	}
	if got.Reputation != defaultInitialReputation {
		t.Fatalf("expected initial reputation %d, got %d", defaultInitialReputation, got.Reputation)
	}

	refreshed := peer
	refreshed.Address = "peer-1-moved"
	if err := reg.Discover(refreshed); err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	if reg.Count() != 1 {
		t.Fatalf("rediscovery must not duplicate, count=%d", reg.Count())
	}
	if got, _ = reg.Peer(peer.ID); got.Address != "peer-1-moved" {
		t.Fatalf("address not refreshed: %s", got.Address)
	}
}

func TestDiscoverRejectsSelfAndEmpty(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	if err := reg.Discover(PeerInfo{ID: testNodeID(0xffff)}); !errors.Is(err, ErrSelfPeer) {
		t.Fatalf("expected self rejection, got %v", err)
	}
	if err := reg.Discover(PeerInfo{}); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected empty id rejection, got %v", err)
	}
}

func TestDiscoverEnforcesCapacity(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{MaxPeers: 3})
	for i := 1; i <= 3; i++ {
		if err := reg.Discover(testPeer(i)); err != nil {
			t.Fatalf("discover %d: %v", i, err)
		}
	}

	// Everyone still holds the initial reputation, so nobody is expendable.
	if err := reg.Discover(testPeer(4)); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected full registry, got %v", err)
	}

	// A failing peer drops below the bar and makes room.
	reg.MarkFailure(testNodeID(2))
	if err := reg.Discover(testPeer(4)); err != nil {
		t.Fatalf("discover after failure: %v", err)
	}
	if _, ok := reg.Peer(testNodeID(2)); ok {
		t.Fatalf("low-reputation peer should have been evicted")
	}
	if _, ok := reg.Peer(testNodeID(4)); !ok {
		t.Fatalf("newcomer missing")
	}

	// Connected peers are never sacrificed for a newcomer.
	reg2 := newTestRegistry(t, RegistryConfig{MaxPeers: 2})
	for i := 1; i <= 2; i++ {
		connectPeer(t, reg2, testPeer(i))
		reg2.MarkFailure(testNodeID(i))
	}
	if err := reg2.Discover(testPeer(3)); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected connected peers to be protected, got %v", err)
	}
}

func TestHandshakeLifecycle(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	peer := testPeer(1)
	pub := newTestIdentity(t).PrivateKey.PubKey()

	if err := reg.BeginHandshake(peer.ID); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
	if err := reg.Discover(peer); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if err := reg.MarkConnected(peer.ID, pub); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("connecting a peer that never handshook must fail, got %v", err)
	}
	if err := reg.BeginHandshake(peer.ID); err != nil {
		t.Fatalf("begin handshake: %v", err)
	}
	// Restarting an in-flight handshake is harmless.
	if err := reg.BeginHandshake(peer.ID); err != nil {
		t.Fatalf("repeat handshake: %v", err)
	}
	if err := reg.MarkConnected(peer.ID, pub); err != nil {
		t.Fatalf("mark connected: %v", err)
	}

	got, _ := reg.Peer(peer.ID)
	if got.State != PeerConnected {
		t.Fatalf("expected connected, got %s", got.State)
	}
	if got.PublicKey == nil {
		t.Fatalf("authenticated key not recorded")
	}
	if err := reg.BeginHandshake(peer.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("handshaking a connected peer must fail, got %v", err)
	}
	// A re-keyed session keeps the connected state.
	if err := reg.MarkConnected(peer.ID, pub); err != nil {
		t.Fatalf("re-key: %v", err)
	}
}

func TestDisconnectKeepsMetadataWarm(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	peer := testPeer(1)
	connectPeer(t, reg, peer)

	reg.Disconnect(peer.ID)
	got, ok := reg.Peer(peer.ID)
	if !ok || got.State != PeerDisconnected {
		t.Fatalf("expected disconnected peer, got %+v ok=%v", got, ok)
	}
	if got.Address != peer.Address {
		t.Fatalf("metadata lost on disconnect")
	}
	// Reconnecting starts from the warm entry.
	if err := reg.BeginHandshake(peer.ID); err != nil {
		t.Fatalf("reconnect handshake: %v", err)
	}
}

func TestStaleSweepLifecycle(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	reg := newTestRegistry(t, RegistryConfig{StaleAfter: time.Minute})
	reg.now = func() time.Time { return start }

	live := testPeer(1)
	idle := testPeer(2)
	stuck := testPeer(3)
	connectPeer(t, reg, live)
	connectPeer(t, reg, idle)
	if err := reg.Discover(stuck); err != nil {
		t.Fatalf("discover stuck: %v", err)
	}
	if err := reg.BeginHandshake(stuck.ID); err != nil {
		t.Fatalf("handshake stuck: %v", err)
	}

	// Keep one peer active past the threshold.
	reg.Touch(live.ID, start.Add(80*time.Second))

	result := reg.StaleSweep(start.Add(90 * time.Second))
	if len(result.MarkedStale) != 1 || result.MarkedStale[0] != idle.ID {
		t.Fatalf("unexpected stale set: %+v", result)
	}
	got, _ := reg.Peer(idle.ID)
	if got.State != PeerStale {
		t.Fatalf("expected stale, got %s", got.State)
	}
	if got.Reputation != defaultInitialReputation-defaultFailureDelta {
		t.Fatalf("staleness must cost reputation, got %d", got.Reputation)
	}
	if got, _ = reg.Peer(stuck.ID); got.State != PeerDiscovered {
		t.Fatalf("stuck handshake should fall back to discovered, got %s", got.State)
	}
	if got, _ = reg.Peer(live.ID); got.State != PeerConnected {
		t.Fatalf("active peer must stay connected, got %s", got.State)
	}

	// A sign of life revives a stale peer.
	reg.Touch(idle.ID, start.Add(95*time.Second))
	if got, _ = reg.Peer(idle.ID); got.State != PeerConnected {
		t.Fatalf("touch should revive stale peer, got %s", got.State)
	}

	// Left alone long enough, stale turns into disconnected, and once the
	// reputation is exhausted the record is dropped entirely.
	reg.StaleSweep(start.Add(200 * time.Second))
	result = reg.StaleSweep(start.Add(400 * time.Second))
	if len(result.Disconnected) == 0 {
		t.Fatalf("expected disconnects, got %+v", result)
	}
	for i := 0; i < 10; i++ {
		reg.MarkFailure(idle.ID)
	}
	result = reg.StaleSweep(start.Add(500 * time.Second))
	found := false
	for _, id := range result.Evicted {
		if id == idle.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("zero-reputation disconnected peer should be evicted: %+v", result)
	}
	if _, ok := reg.Peer(idle.ID); ok {
		t.Fatalf("evicted peer still tracked")
	}
}

func TestReputationClamping(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	peer := testPeer(1)
	connectPeer(t, reg, peer)

	for i := 0; i < 200; i++ {
		reg.MarkSuccess(peer.ID, 10*time.Millisecond)
	}
	if rep := reg.Reputation(peer.ID); rep != maxReputation {
		t.Fatalf("expected reputation capped at %d, got %d", maxReputation, rep)
	}

	for i := 0; i < 50; i++ {
		reg.MarkFailure(peer.ID)
	}
	if rep := reg.Reputation(peer.ID); rep != minReputation {
		t.Fatalf("expected reputation floored at %d, got %d", minReputation, rep)
	}

	got, _ := reg.Peer(peer.ID)
	if got.LatencyMS <= 0 {
		t.Fatalf("latency average not recorded")
	}
}

func TestWeightedSampleBiasAndExclusion(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})

	strong := testPeer(1)
	strong.Reputation = 90
	weak := testPeer(2)
	weak.Reputation = 5
	drained := testPeer(3)
	connectPeer(t, reg, strong)
	connectPeer(t, reg, weak)
	connectPeer(t, reg, drained)
	for i := 0; i < 10; i++ {
		reg.MarkFailure(drained.ID)
	}

	strongHits := 0
	for i := 0; i < 200; i++ {
		picked := reg.WeightedSample(1)
		if len(picked) != 1 {
			t.Fatalf("expected one pick, got %d", len(picked))
		}
		if picked[0].ID == drained.ID {
			t.Fatalf("zero-reputation peer must never be sampled")
		}
		if picked[0].ID == strong.ID {
			strongHits++
		}
	}
	if strongHits < 150 {
		t.Fatalf("sampling shows no reputation bias: strong picked %d/200", strongHits)
	}

	// Exclusions and over-asking.
	picked := reg.WeightedSample(5, strong.ID)
	if len(picked) != 1 || picked[0].ID != weak.ID {
		t.Fatalf("unexpected sample with exclusion: %+v", picked)
	}
	var seen [2]bool
	for _, p := range reg.WeightedSample(10) {
		switch p.ID {
		case strong.ID:
			seen[0] = true
		case weak.ID:
			seen[1] = true
		default:
			t.Fatalf("unexpected peer %s", p.ID)
		}
	}
	if !seen[0] || !seen[1] {
		t.Fatalf("over-asking should return every eligible peer")
	}
}

func TestWeightedSampleIgnoresNonConnected(t *testing.T) {
	reg := newTestRegistry(t, RegistryConfig{})
	if err := reg.Discover(testPeer(1)); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if picked := reg.WeightedSample(3); len(picked) != 0 {
		t.Fatalf("discovered peers are not gossip targets: %+v", picked)
	}
}

func TestRegistryRehydratesFromStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewPeerstore(filepath.Join(dir, "peerstore"))
	if err != nil {
		t.Fatalf("open peerstore: %v", err)
	}

	reg := newTestRegistry(t, RegistryConfig{Store: store})
	peer := testPeer(1)
	peer.Wallet = "wm1qexample"
	connectPeer(t, reg, peer)
	reg.MarkSuccess(peer.ID, 20*time.Millisecond)

	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	reopened, err := NewPeerstore(filepath.Join(dir, "peerstore"))
	if err != nil {
		t.Fatalf("reopen peerstore: %v", err)
	}
	defer reopened.Close()

	fresh := newTestRegistry(t, RegistryConfig{Store: reopened})
	got, ok := fresh.Peer(peer.ID)
	if !ok {
		t.Fatalf("peer not rehydrated")
	}
	if got.State != PeerDiscovered {
		t.Fatalf("rehydrated peers start over as discovered, got %s", got.State)
	}
	if got.Address != peer.Address || got.Wallet != peer.Wallet {
		t.Fatalf("metadata lost across restart: %+v", got)
	}
	if got.Reputation != defaultInitialReputation+1 {
		t.Fatalf("reputation not carried over: %d", got.Reputation)
	}
}
