package mesh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stubSend struct {
	addr  string
	frame []byte
}

// stubTransport records outbound frames and lets tests inject inbound ones.
type stubTransport struct {
	name       string
	addr       string
	discovered []string

	mu      sync.Mutex
	receive ReceiveFunc
	sends   []stubSend
	fail    map[string]error
}

func newStubTransport(name string) *stubTransport {
	return &stubTransport{
		name: name,
		addr: name + "-local",
		fail: make(map[string]error),
	}
}

func (s *stubTransport) Name() string { return s.name }
func (s *stubTransport) Addr() string { return s.addr }

func (s *stubTransport) Discover(context.Context) ([]string, error) {
	return append([]string(nil), s.discovered...), nil
}

func (s *stubTransport) Send(_ context.Context, addr string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[addr]; err != nil {
		return err
	}
	s.sends = append(s.sends, stubSend{addr: addr, frame: append([]byte(nil), frame...)})
	return nil
}

func (s *stubTransport) SetReceiver(fn ReceiveFunc) {
	s.mu.Lock()
	s.receive = fn
	s.mu.Unlock()
}

func (s *stubTransport) Close() error { return nil }

// deliver injects a frame as if it arrived from remoteAddr.
func (s *stubTransport) deliver(remoteAddr string, frame []byte) {
	s.mu.Lock()
	fn := s.receive
	s.mu.Unlock()
	if fn != nil {
		fn(remoteAddr, frame)
	}
}

func (s *stubTransport) sentFrames() []stubSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stubSend(nil), s.sends...)
}

func (s *stubTransport) sentTo(addr string) []stubSend {
	var out []stubSend
	for _, send := range s.sentFrames() {
		if send.addr == addr {
			out = append(out, send)
		}
	}
	return out
}

func (s *stubTransport) waitForSends(t *testing.T, n int) []stubSend {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sends := s.sentFrames(); len(sends) >= n {
			return sends
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends, have %d", n, len(s.sentFrames()))
	return nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *stubTransport, *Identity) {
	t.Helper()
	id := newTestIdentity(t)
	reg := NewRegistry(id.NodeID, RegistryConfig{})
	engine, err := NewEngine(id, reg, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	transport := newStubTransport("stub")
	if err := engine.RegisterTransport(transport); err != nil {
		t.Fatalf("register transport: %v", err)
	}
	return engine, transport, id
}

func decodeSentFrame(t *testing.T, send stubSend) *Envelope {
	t.Helper()
	env, err := DecodeEnvelope(send.frame)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	return env
}

func TestBuildAndSignUsesConfiguredTTL(t *testing.T) {
	engine, _, id := newTestEngine(t, Config{TTL: 7})

	env, err := engine.BuildAndSign(MsgTransaction, []byte(`{"chainId":"eth-mainnet"}`))
	if err != nil {
		t.Fatalf("build and sign: %v", err)
	}
	if env.TTL != 7 {
		t.Fatalf("expected configured ttl 7, got %d", env.TTL)
	}
	if env.SenderID != id.NodeID {
		t.Fatalf("sender mismatch")
	}
	if _, err := VerifyEnvelope(env); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestBroadcastFansOutAndDedupes(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{Fanout: 4})
	for i := 1; i <= 8; i++ {
		connectPeer(t, engine.registry, testPeer(i))
	}

	env, err := engine.BuildAndSign(MsgTransaction, []byte(`{"hex":"0xdead"}`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := engine.Broadcast(context.Background(), env); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	sends := transport.sentFrames()
	if len(sends) != 4 {
		t.Fatalf("expected fanout of 4, got %d sends", len(sends))
	}
	targets := make(map[string]bool)
	for _, send := range sends {
		targets[send.addr] = true
		got := decodeSentFrame(t, send)
		if got.MessageID != env.MessageID {
			t.Fatalf("frame carries wrong message")
		}
	}
	if len(targets) != 4 {
		t.Fatalf("fanout targets must be distinct, got %v", targets)
	}

	if err := engine.Broadcast(context.Background(), env); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("rebroadcast should be refused, got %v", err)
	}
	if len(transport.sentFrames()) != 4 {
		t.Fatalf("duplicate broadcast must not send")
	}
}

func TestBroadcastCreditsAndPenalisesPeers(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{Fanout: 3})
	for i := 1; i <= 3; i++ {
		connectPeer(t, engine.registry, testPeer(i))
	}
	transport.fail["peer-2"] = errors.New("unreachable")

	env, err := engine.BuildAndSign(MsgHealthCheck, []byte(`{}`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := engine.Broadcast(context.Background(), env); err == nil {
		t.Fatalf("expected the failed send to surface")
	}

	if rep := engine.registry.Reputation(testNodeID(2)); rep >= defaultInitialReputation {
		t.Fatalf("failed peer should be penalised, reputation %d", rep)
	}
	if rep := engine.registry.Reputation(testNodeID(1)); rep != defaultInitialReputation+1 {
		t.Fatalf("successful peer should be credited, reputation %d", rep)
	}
}

func TestHandleFrameDispatchesAndRelays(t *testing.T) {
	engine, transport, self := newTestEngine(t, Config{Fanout: 3})
	for i := 1; i <= 4; i++ {
		connectPeer(t, engine.registry, testPeer(i))
	}

	var mu sync.Mutex
	var handled []*Envelope
	engine.Handle(MsgTransaction, HandlerFunc(func(_ context.Context, env *Envelope, from PeerInfo) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, env)
		if from.ID != env.SenderID {
			t.Errorf("handler saw wrong origin: %s", from.ID)
		}
		return nil
	}))

	origin := newTestIdentity(t)
	env, err := BuildEnvelope(origin, MsgTransaction, []byte(`{"hex":"0xbeef"}`), 5)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	transport.deliver("origin-addr", frame)

	sends := transport.waitForSends(t, 3)
	if len(sends) != 3 {
		t.Fatalf("expected 3 relay sends, got %d", len(sends))
	}
	for _, send := range sends {
		relayed := decodeSentFrame(t, send)
		if relayed.TTL != 4 {
			t.Fatalf("relay must decrement ttl, got %d", relayed.TTL)
		}
		if relayed.PrevHop != self.NodeID {
			t.Fatalf("relay must stamp itself as previous hop")
		}
		if relayed.MessageID != env.MessageID {
			t.Fatalf("relay changed the message id")
		}
		pub, err := VerifyEnvelope(relayed)
		if err != nil {
			t.Fatalf("relayed envelope must still verify: %v", err)
		}
		if DeriveNodeID(pub) != origin.NodeID {
			t.Fatalf("relayed envelope lost its originator")
		}
	}

	// The same frame again is a duplicate: no second dispatch, no more sends.
	transport.deliver("origin-addr", frame)
	mu.Lock()
	count := len(handled)
	mu.Unlock()
	if count != 1 {
		t.Fatalf("duplicate delivery reached handlers %d times", count)
	}
	if len(transport.sentFrames()) != 3 {
		t.Fatalf("duplicate delivery must not re-gossip")
	}
}

func TestHandleFrameHonoursHopBudget(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{Fanout: 3})
	for i := 1; i <= 3; i++ {
		connectPeer(t, engine.registry, testPeer(i))
	}

	var mu sync.Mutex
	handled := 0
	engine.Handle(MsgTransaction, HandlerFunc(func(context.Context, *Envelope, PeerInfo) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}))

	origin := newTestIdentity(t)
	env, err := BuildEnvelope(origin, MsgTransaction, []byte(`{"hex":"0x00"}`), 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// TTL 0 on the wire: discarded before dedup so a live copy can still land.
	expired, err := EncodeEnvelope(env.NextHop(testNodeID(99)))
	if err != nil {
		t.Fatalf("encode expired: %v", err)
	}
	transport.deliver("relay-addr", expired)
	mu.Lock()
	if handled != 0 {
		mu.Unlock()
		t.Fatalf("expired envelope must not reach handlers")
	}
	mu.Unlock()

	// TTL 1 dispatches locally but is not worth relaying.
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	transport.deliver("origin-addr", frame)
	mu.Lock()
	if handled != 1 {
		mu.Unlock()
		t.Fatalf("last-hop envelope should dispatch once, got %d", handled)
	}
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	if sends := transport.sentFrames(); len(sends) != 0 {
		t.Fatalf("last-hop envelope must not be re-gossiped, got %d sends", len(sends))
	}
}

func TestHandleFrameDropsTamperedBeforeDedup(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{})

	handled := make(chan *Envelope, 1)
	engine.Handle(MsgTransaction, HandlerFunc(func(_ context.Context, env *Envelope, _ PeerInfo) error {
		handled <- env
		return nil
	}))

	origin := newTestIdentity(t)
	env, err := BuildEnvelope(origin, MsgTransaction, []byte(`{"hex":"0xff"}`), 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tampered := append([]byte(nil), frame...)
	tampered[len(tampered)-1] ^= 0xff
	transport.deliver("origin-addr", tampered)
	select {
	case <-handled:
		t.Fatalf("tampered envelope must not dispatch")
	case <-time.After(50 * time.Millisecond):
	}

	// The forgery must not poison the seen cache for the genuine copy.
	transport.deliver("origin-addr", frame)
	select {
	case got := <-handled:
		if got.MessageID != env.MessageID {
			t.Fatalf("wrong envelope dispatched")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("genuine envelope should still dispatch")
	}
}

func TestHandleFrameIgnoresOwnTraffic(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{})

	handled := make(chan struct{}, 1)
	engine.Handle(MsgTransaction, HandlerFunc(func(context.Context, *Envelope, PeerInfo) error {
		handled <- struct{}{}
		return nil
	}))

	env, err := engine.BuildAndSign(MsgTransaction, []byte(`{"hex":"0x01"}`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	transport.deliver("loopback", frame)

	select {
	case <-handled:
		t.Fatalf("own envelope must not dispatch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleFrameThrottlesChattySender(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{InboundRate: 1, InboundBurst: 2})

	origin := newTestIdentity(t)
	connectPeer(t, engine.registry, PeerInfo{ID: origin.NodeID, Transport: "stub", Address: "chatty"})

	var mu sync.Mutex
	handled := 0
	engine.Handle(MsgTransaction, HandlerFunc(func(context.Context, *Envelope, PeerInfo) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}))

	for i := 0; i < 5; i++ {
		env, err := BuildEnvelope(origin, MsgTransaction, []byte(fmt.Sprintf(`{"seq":%d}`, i)), 1)
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
		frame, err := EncodeEnvelope(env)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		transport.deliver("chatty", frame)
	}

	mu.Lock()
	count := handled
	mu.Unlock()
	if count != 2 {
		t.Fatalf("expected the burst of 2 to pass, got %d", count)
	}
	if rep := engine.registry.Reputation(origin.NodeID); rep >= defaultInitialReputation {
		t.Fatalf("throttled sender should lose reputation, got %d", rep)
	}
}

func TestAnnounceCompletesHandshake(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{})

	remote := newTestIdentity(t)
	ann := Announcement{
		NodeID:    remote.NodeID.String(),
		PublicKey: hex.EncodeToString(remote.PrivateKey.PubKey().Bytes()),
		Transport: "stub",
		Address:   "node-b",
		Wallet:    remote.Wallet.String(),
	}
	payload, err := EncodePayload(ann)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env, err := BuildEnvelope(remote, MsgPeerDiscovery, payload, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	transport.deliver("node-b", frame)

	peer, ok := engine.registry.Peer(remote.NodeID)
	if !ok {
		t.Fatalf("announcing peer not registered")
	}
	if peer.State != PeerConnected {
		t.Fatalf("announcement should complete the handshake, state %s", peer.State)
	}
	if peer.PublicKey == nil || peer.Address != "node-b" {
		t.Fatalf("peer metadata incomplete: %+v", peer)
	}
	if _, ok := engine.Channel(remote.NodeID); !ok {
		t.Fatalf("secure channel missing after handshake")
	}

	replies := transport.sentTo("node-b")
	if len(replies) != 1 {
		t.Fatalf("expected one hello reply, got %d", len(replies))
	}
	reply := decodeSentFrame(t, replies[0])
	if reply.Type != MsgPeerDiscovery || reply.SenderID != engine.NodeID() {
		t.Fatalf("unexpected reply: type=%s sender=%s", reply.Type, reply.SenderID.Short())
	}
}

func TestAnnounceRejectsSpoofedIdentity(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{})

	forger := newTestIdentity(t)
	victim := newTestIdentity(t)

	// A valid announcement for the victim, but signed by someone else.
	ann := Announcement{
		NodeID:    victim.NodeID.String(),
		PublicKey: hex.EncodeToString(victim.PrivateKey.PubKey().Bytes()),
		Transport: "stub",
		Address:   "evil-addr",
	}
	payload, err := EncodePayload(ann)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env, err := BuildEnvelope(forger, MsgPeerDiscovery, payload, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	transport.deliver("evil-addr", frame)

	if _, ok := engine.registry.Peer(victim.NodeID); ok {
		t.Fatalf("spoofed announcement must not register the victim")
	}

	// A key that does not hash to the claimed node id is just as invalid.
	ann.PublicKey = hex.EncodeToString(forger.PrivateKey.PubKey().Bytes())
	payload, err = EncodePayload(ann)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env, err = BuildEnvelope(forger, MsgPeerDiscovery, payload, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err = EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	transport.deliver("evil-addr", frame)

	if _, ok := engine.registry.Peer(victim.NodeID); ok {
		t.Fatalf("mismatched key must not register the victim")
	}
	if sends := transport.sentFrames(); len(sends) != 0 {
		t.Fatalf("spoofed announcements must not be answered, got %d sends", len(sends))
	}
}

func TestPeerRequestAnswersWithSample(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{})
	for i := 1; i <= 3; i++ {
		connectPeer(t, engine.registry, testPeer(i))
	}

	asker := newTestIdentity(t)
	connectPeer(t, engine.registry, PeerInfo{ID: asker.NodeID, Transport: "stub", Address: "asker"})

	payload, err := EncodePayload(PeerRequest{Limit: 2})
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env, err := BuildEnvelope(asker, MsgPeerRequest, payload, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	transport.deliver("asker", frame)

	replies := transport.sentTo("asker")
	if len(replies) != 1 {
		t.Fatalf("expected one peer response, got %d", len(replies))
	}
	reply := decodeSentFrame(t, replies[0])
	if reply.Type != MsgPeerResponse {
		t.Fatalf("expected peer response, got %s", reply.Type)
	}
	var resp PeerResponse
	if err := DecodePayload(reply.Payload, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Peers) == 0 || len(resp.Peers) > 2 {
		t.Fatalf("response should honour the requested limit, got %d peers", len(resp.Peers))
	}
	for _, shared := range resp.Peers {
		if shared.NodeID == asker.NodeID.String() {
			t.Fatalf("response must not echo the asker back to itself")
		}
	}
}

func TestPeerResponseSeedsRegistry(t *testing.T) {
	engine, transport, self := newTestEngine(t, Config{})

	teller := newTestIdentity(t)
	connectPeer(t, engine.registry, PeerInfo{ID: teller.NodeID, Transport: "stub", Address: "teller"})

	resp := PeerResponse{Peers: []Announcement{
		{NodeID: testNodeID(7).String(), Transport: "stub", Address: "peer-7"},
		{NodeID: testNodeID(8).String(), Transport: "stub", Address: "peer-8"},
		{NodeID: self.NodeID.String(), Transport: "stub", Address: "own-addr"},
	}}
	payload, err := EncodePayload(resp)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	env, err := BuildEnvelope(teller, MsgPeerResponse, payload, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	transport.deliver("teller", frame)

	for _, n := range []int{7, 8} {
		peer, ok := engine.registry.Peer(testNodeID(n))
		if !ok {
			t.Fatalf("shared peer %d not registered", n)
		}
		if peer.State != PeerDiscovered {
			t.Fatalf("shared peers are candidates, not sessions: %s", peer.State)
		}
	}
	if engine.registry.Count() != 3 {
		t.Fatalf("own address must not be registered, count %d", engine.registry.Count())
	}
}

func TestConnectOpensHandshake(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{})

	target := newTestIdentity(t)
	info := PeerInfo{ID: target.NodeID, Transport: "stub", Address: "target"}
	if err := engine.Connect(context.Background(), info); err != nil {
		t.Fatalf("connect: %v", err)
	}

	peer, ok := engine.registry.Peer(target.NodeID)
	if !ok || peer.State != PeerHandshaking {
		t.Fatalf("connect should leave the peer handshaking, got %+v ok=%v", peer, ok)
	}
	hellos := transport.sentTo("target")
	if len(hellos) != 1 {
		t.Fatalf("expected one hello, got %d", len(hellos))
	}
	hello := decodeSentFrame(t, hellos[0])
	if hello.Type != MsgPeerDiscovery || hello.TTL != 1 {
		t.Fatalf("hello should be a single-hop announcement, type=%s ttl=%d", hello.Type, hello.TTL)
	}
}

func TestDiscoverPeersGreetsNewAddressesOnce(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{})
	transport.discovered = []string{"addr-x", "addr-y", transport.Addr(), ""}

	if err := engine.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if got := len(transport.sentTo("addr-x")); got != 1 {
		t.Fatalf("expected one hello to addr-x, got %d", got)
	}
	if got := len(transport.sentTo("addr-y")); got != 1 {
		t.Fatalf("expected one hello to addr-y, got %d", got)
	}
	if got := len(transport.sentTo(transport.Addr())); got != 0 {
		t.Fatalf("must not greet our own address")
	}

	// Within the backoff window the same address is not greeted again.
	if err := engine.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	if got := len(transport.sentTo("addr-x")); got != 1 {
		t.Fatalf("hello backoff violated, %d hellos to addr-x", got)
	}
}

func TestHealthBeaconCarriesQueueDepth(t *testing.T) {
	engine, transport, _ := newTestEngine(t, Config{Fanout: 3})
	for i := 1; i <= 2; i++ {
		connectPeer(t, engine.registry, testPeer(i))
	}
	engine.SetQueueDepthFunc(func() int { return 7 })

	engine.health()

	sends := transport.sentFrames()
	if len(sends) != 2 {
		t.Fatalf("health beacon should reach every connected peer here, got %d", len(sends))
	}
	env := decodeSentFrame(t, sends[0])
	if env.Type != MsgHealthCheck {
		t.Fatalf("expected health check, got %s", env.Type)
	}
	var status HealthStatus
	if err := DecodePayload(env.Payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ConnectedPeers != 2 || status.QueueDepth != 7 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestEngineStartStop(t *testing.T) {
	id := newTestIdentity(t)
	engine, err := NewEngine(id, NewRegistry(id.NodeID, RegistryConfig{}), Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Start(); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("starting without transports should fail, got %v", err)
	}

	transport := newStubTransport("stub")
	if err := engine.RegisterTransport(transport); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := engine.RegisterTransport(newStubTransport("stub")); err == nil {
		t.Fatalf("duplicate transport name should be rejected")
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(); err == nil {
		t.Fatalf("second start should fail")
	}

	engine.Stop()
	engine.Stop()

	env, err := BuildEnvelope(id, MsgTransaction, []byte(`{}`), 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := engine.Broadcast(context.Background(), env); !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("broadcast after stop should fail, got %v", err)
	}
}
