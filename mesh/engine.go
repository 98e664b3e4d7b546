package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"walletmesh/crypto"
	"walletmesh/observability/logging"
)

const (
	minFanout = 3
	maxFanout = 6

	defaultFanout           = 4
	defaultAnnounceInterval = 30 * time.Second
	defaultHealthInterval   = time.Minute
	defaultSweepInterval    = time.Minute
	defaultMaintainInterval = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultTargetConnected  = 8

	// helloBackoff spaces direct hellos to the same address so the two-way
	// announce exchange terminates instead of ping-ponging.
	helloBackoff = 30 * time.Second

	bootstrapTimeout = 30 * time.Second

	defaultPeerResponseLimit = 8
	maxPeerResponseLimit     = 16
)

// Config tunes the gossip engine. Zero values fall back to defaults.
type Config struct {
	// TTL is the hop budget stamped on locally originated envelopes.
	// Default 10.
	TTL uint8
	// Fanout is how many peers each gossip round targets, clamped to [3, 6].
	// Default 4.
	Fanout int
	// AnnounceInterval spaces periodic self-announcements. Default 30s.
	AnnounceInterval time.Duration
	// HealthInterval spaces HEALTH_CHECK beacons. Default 1m.
	HealthInterval time.Duration
	// SweepInterval spaces registry staleness sweeps. Default 1m.
	SweepInterval time.Duration
	// MaintainInterval spaces connection top-up passes. Default 15s.
	MaintainInterval time.Duration
	// SendTimeout bounds a single transport send. Default 5s.
	SendTimeout time.Duration
	// SeenCacheSize and SeenCacheTTL size the duplicate-suppression cache.
	SeenCacheSize int
	SeenCacheTTL  time.Duration
	// InboundRate and InboundBurst throttle envelopes per remote sender.
	InboundRate  float64
	InboundBurst int
	// TargetConnected is how many live sessions the maintainer aims to hold.
	// Default 8.
	TargetConnected int
	// Logger receives engine events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Engine runs the gossip protocol: it signs and fans out local messages,
// verifies and dedupes inbound traffic, re-gossips with a decremented hop
// budget, and keeps the registry warm through periodic announcements.
type Engine struct {
	cfg      Config
	identity *Identity
	registry *Registry
	log      *slog.Logger

	seen     *seenCache
	handlers *handlerRegistry
	limiter  *senderLimiter
	metrics  *meshMetrics

	mu           sync.RWMutex
	transports   map[string]Transport
	primary      string
	channels     map[NodeID]*SecureChannel
	pendingDials map[string]time.Time
	queueDepth   func() int
	started      bool

	startedAt time.Time
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine wires a gossip engine around the local identity and peer registry.
func NewEngine(identity *Identity, registry *Registry, cfg Config) (*Engine, error) {
	if identity == nil || identity.PrivateKey == nil {
		return nil, fmt.Errorf("mesh: engine requires a node identity")
	}
	if registry == nil {
		return nil, fmt.Errorf("mesh: engine requires a peer registry")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = defaultFanout
	}
	if cfg.Fanout < minFanout {
		cfg.Fanout = minFanout
	}
	if cfg.Fanout > maxFanout {
		cfg.Fanout = maxFanout
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = defaultAnnounceInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaintainInterval <= 0 {
		cfg.MaintainInterval = defaultMaintainInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.TargetConnected <= 0 {
		cfg.TargetConnected = defaultTargetConnected
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:          cfg,
		identity:     identity,
		registry:     registry,
		log:          logger.With(slog.String("component", "mesh-engine")),
		seen:         newSeenCache(cfg.SeenCacheSize, cfg.SeenCacheTTL),
		handlers:     newHandlerRegistry(),
		limiter:      newSenderLimiter(cfg.InboundRate, cfg.InboundBurst),
		metrics:      newMeshMetrics(),
		transports:   make(map[string]Transport),
		channels:     make(map[NodeID]*SecureChannel),
		pendingDials: make(map[string]time.Time),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}, nil
}

// NodeID returns the local node's identity hash.
func (e *Engine) NodeID() NodeID {
	return e.identity.NodeID
}

// RegisterTransport attaches a transport and starts receiving its frames. The
// first registered transport becomes the default for peers that do not name
// one.
func (e *Engine) RegisterTransport(t Transport) error {
	if t == nil {
		return ErrNoTransport
	}
	name := t.Name()
	e.mu.Lock()
	if _, exists := e.transports[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("mesh: transport %q already registered", name)
	}
	e.transports[name] = t
	if e.primary == "" {
		e.primary = name
	}
	e.mu.Unlock()

	t.SetReceiver(func(remoteAddr string, frame []byte) {
		e.handleFrame(name, remoteAddr, frame)
	})
	return nil
}

// Handle subscribes a handler to every verified, deduplicated envelope of the
// given type. Handlers run on the receive path and should return quickly.
func (e *Engine) Handle(t MsgType, h Handler) {
	e.handlers.add(t, h)
}

// SetQueueDepthFunc wires an external work queue depth into health beacons.
func (e *Engine) SetQueueDepthFunc(fn func() int) {
	e.mu.Lock()
	e.queueDepth = fn
	e.mu.Unlock()
}

// Start launches the announce, health, sweep, and maintenance loops and kicks
// off transport discovery in the background.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("mesh: engine already started")
	}
	if len(e.transports) == 0 {
		e.mu.Unlock()
		return ErrNoTransport
	}
	e.started = true
	e.startedAt = e.now()
	e.mu.Unlock()

	e.log.Info("mesh engine starting",
		logging.MaskField("node_id", e.identity.NodeID.String()),
		slog.Int("fanout", e.cfg.Fanout),
		slog.Int("ttl", int(e.cfg.TTL)))

	e.wg.Add(4)
	go e.announceLoop()
	go e.healthLoop()
	go e.sweepLoop()
	go e.maintainLoop()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
		defer cancel()
		if err := e.DiscoverPeers(ctx); err != nil {
			e.log.Warn("bootstrap discovery failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop halts the loops, zeroizes every secure channel, and closes the
// transports. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()

	e.mu.Lock()
	for id, ch := range e.channels {
		ch.Close()
		delete(e.channels, id)
	}
	transports := make([]Transport, 0, len(e.transports))
	for _, t := range e.transports {
		transports = append(transports, t)
	}
	e.transports = make(map[string]Transport)
	e.primary = ""
	e.started = false
	e.mu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			e.log.Warn("transport close",
				slog.String("transport", t.Name()),
				slog.String("error", err.Error()))
		}
	}
	e.seen.Close()
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// BuildAndSign assembles a signed envelope carrying the payload, stamped with
// the engine's configured hop budget.
func (e *Engine) BuildAndSign(msgType MsgType, payload []byte) (*Envelope, error) {
	return BuildEnvelope(e.identity, msgType, payload, e.cfg.TTL)
}

// Broadcast records the envelope as seen and fans it out to a reputation
// weighted sample of connected peers. Broadcasting the same message twice
// returns ErrDuplicateMessage.
func (e *Engine) Broadcast(ctx context.Context, env *Envelope) error {
	if env == nil {
		return ErrInvalidEnvelope
	}
	if e.stopped() {
		return ErrEngineStopped
	}
	if !e.seen.Remember(env.MessageID, e.now()) {
		return ErrDuplicateMessage
	}
	e.metrics.recordGossip("outbound", env.Type)
	return e.fanout(ctx, env)
}

// fanout sends the envelope to up to Fanout sampled peers in parallel,
// crediting or penalising each peer by the outcome.
func (e *Engine) fanout(ctx context.Context, env *Envelope, exclude ...NodeID) error {
	targets := e.registry.WeightedSample(e.cfg.Fanout, exclude...)
	e.metrics.observeFanout(len(targets))
	if len(targets) == 0 {
		return nil
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, peer := range targets {
		wg.Add(1)
		go func(i int, peer PeerInfo) {
			defer wg.Done()
			start := e.now()
			if err := e.sendFrame(ctx, peer, frame); err != nil {
				errs[i] = fmt.Errorf("peer %s: %w", peer.ID.Short(), err)
				e.registry.MarkFailure(peer.ID)
			} else {
				e.registry.MarkSuccess(peer.ID, e.now().Sub(start))
			}
			if updated, ok := e.registry.Peer(peer.ID); ok {
				e.metrics.observePeer(updated.ID.String(), updated)
			}
		}(i, peer)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// SendDirect delivers an envelope to one known peer without gossiping it.
func (e *Engine) SendDirect(ctx context.Context, peerID NodeID, env *Envelope) error {
	peer, ok := e.registry.Peer(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	start := e.now()
	if err := e.sendFrame(ctx, peer, frame); err != nil {
		e.registry.MarkFailure(peerID)
		return err
	}
	e.registry.MarkSuccess(peerID, e.now().Sub(start))
	return nil
}

func (e *Engine) sendFrame(ctx context.Context, peer PeerInfo, frame []byte) error {
	if peer.Address == "" {
		return fmt.Errorf("%w: peer %s has no dialable address", ErrUnknownPeer, peer.ID.Short())
	}
	transport := e.transportFor(peer.Transport)
	if transport == nil {
		return ErrNoTransport
	}
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return transport.Send(sendCtx, peer.Address, frame)
}

func (e *Engine) transportFor(name string) Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.transports[name]; ok {
		return t
	}
	if e.primary != "" {
		return e.transports[e.primary]
	}
	return nil
}

// DiscoverPeers asks every transport for candidate addresses and greets each
// one with a direct hello.
func (e *Engine) DiscoverPeers(ctx context.Context) error {
	e.mu.RLock()
	transports := make([]Transport, 0, len(e.transports))
	for _, t := range e.transports {
		transports = append(transports, t)
	}
	e.mu.RUnlock()

	var errs []error
	for _, t := range transports {
		addrs, err := t.Discover(ctx)
		if err != nil {
			// Partial results still count; the error rides along.
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
		for _, addr := range addrs {
			if addr == "" || addr == t.Addr() {
				continue
			}
			e.dialAddress(ctx, t.Name(), addr)
		}
	}
	return errors.Join(errs...)
}

// Connect registers the peer and opens the handshake with a direct hello. The
// exchange completes when the peer's signed announcement arrives.
func (e *Engine) Connect(ctx context.Context, info PeerInfo) error {
	if current, ok := e.registry.Peer(info.ID); ok && current.State == PeerConnected {
		return nil
	}
	if err := e.registry.Discover(info); err != nil {
		return err
	}
	if err := e.registry.BeginHandshake(info.ID); err != nil {
		return err
	}
	return e.sendHello(ctx, info)
}

// Disconnect tears down the session and its secure channel, keeping the
// peer's metadata for a later warm reconnect.
func (e *Engine) Disconnect(id NodeID) {
	e.registry.Disconnect(id)
	e.dropSession(id)
	e.metrics.setConnected(e.registry.ConnectedCount())
}

// Channel returns the secure channel shared with the peer, if one exists.
func (e *Engine) Channel(id NodeID) (*SecureChannel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ch, ok := e.channels[id]
	return ch, ok
}

// Peers returns a snapshot of the registry table.
func (e *Engine) Peers() []PeerInfo {
	return e.registry.Snapshot()
}

// ConnectedCount reports how many peers hold live sessions.
func (e *Engine) ConnectedCount() int {
	return e.registry.ConnectedCount()
}

func (e *Engine) selfInfo() PeerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info := PeerInfo{
		ID:        e.identity.NodeID,
		PublicKey: e.identity.PrivateKey.PubKey(),
		Wallet:    e.identity.Wallet.String(),
	}
	if e.primary != "" {
		if t := e.transports[e.primary]; t != nil {
			info.Transport = t.Name()
			info.Address = t.Addr()
		}
	}
	return info
}

func (e *Engine) selfAnnouncement(ttl uint8) (*Envelope, error) {
	payload, err := EncodePayload(AnnouncementFromPeer(e.selfInfo()))
	if err != nil {
		return nil, err
	}
	return BuildEnvelope(e.identity, MsgPeerDiscovery, payload, ttl)
}

// sendHello greets one peer with a non-gossiped self-announcement.
func (e *Engine) sendHello(ctx context.Context, peer PeerInfo) error {
	env, err := e.selfAnnouncement(1)
	if err != nil {
		return err
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := e.sendFrame(ctx, peer, frame); err != nil {
		e.registry.MarkFailure(peer.ID)
		return err
	}
	return nil
}

// dialAddress greets an address we know nothing else about yet. The peer's
// signed announcement fills in its identity when it answers.
func (e *Engine) dialAddress(ctx context.Context, transportName, addr string) {
	e.mu.Lock()
	now := e.now()
	if last, ok := e.pendingDials[addr]; ok && now.Sub(last) < helloBackoff {
		e.mu.Unlock()
		return
	}
	e.pendingDials[addr] = now
	transport := e.transports[transportName]
	if transport == nil && e.primary != "" {
		transport = e.transports[e.primary]
	}
	e.mu.Unlock()
	if transport == nil {
		return
	}

	env, err := e.selfAnnouncement(1)
	if err != nil {
		e.log.Warn("build hello", slog.String("error", err.Error()))
		return
	}
	frame, err := EncodeEnvelope(env)
	if err != nil {
		e.log.Warn("encode hello", slog.String("error", err.Error()))
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	if err := transport.Send(sendCtx, addr, frame); err != nil {
		e.log.Debug("hello send failed",
			logging.MaskField("peer_address", addr),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) announceLoop() {
	defer e.wg.Done()
	e.announce()
	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.announce()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) announce() {
	env, err := e.selfAnnouncement(e.cfg.TTL)
	if err != nil {
		e.log.Warn("build announcement", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()
	if err := e.Broadcast(ctx, env); err != nil && !errors.Is(err, ErrDuplicateMessage) {
		e.log.Debug("announcement broadcast", slog.String("error", err.Error()))
	}
}

func (e *Engine) healthLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.health()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) health() {
	status := HealthStatus{
		UptimeSeconds:  int64(e.now().Sub(e.startedAt) / time.Second),
		ConnectedPeers: e.registry.ConnectedCount(),
		SentAt:         e.now(),
	}
	e.mu.RLock()
	depth := e.queueDepth
	e.mu.RUnlock()
	if depth != nil {
		status.QueueDepth = depth()
	}
	payload, err := EncodePayload(status)
	if err != nil {
		e.log.Warn("encode health status", slog.String("error", err.Error()))
		return
	}
	env, err := BuildEnvelope(e.identity, MsgHealthCheck, payload, e.cfg.TTL)
	if err != nil {
		e.log.Warn("build health check", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()
	if err := e.Broadcast(ctx, env); err != nil && !errors.Is(err, ErrDuplicateMessage) {
		e.log.Debug("health broadcast", slog.String("error", err.Error()))
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) sweep() {
	result := e.registry.StaleSweep(e.now())
	for _, id := range result.Disconnected {
		e.dropSession(id)
	}
	for _, id := range result.Evicted {
		e.dropSession(id)
	}
	e.metrics.setConnected(e.registry.ConnectedCount())
}

func (e *Engine) dropSession(id NodeID) {
	e.mu.Lock()
	ch := e.channels[id]
	delete(e.channels, id)
	e.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	e.limiter.Forget(id)
	e.metrics.removePeer(id.String())
}

func (e *Engine) maintainLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.MaintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.maintain()
		case <-e.stopCh:
			return
		}
	}
}

// maintain tops connectivity back up: it redials known but idle peers and,
// when still short, asks a connected peer for its view of the mesh.
func (e *Engine) maintain() {
	e.prunePendingDials()
	connected := e.registry.ConnectedCount()
	if connected >= e.cfg.TargetConnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()

	need := e.cfg.TargetConnected - connected
	for _, candidate := range e.registry.DiscoveredPeers() {
		if need <= 0 {
			break
		}
		if candidate.Address == "" {
			continue
		}
		if err := e.registry.BeginHandshake(candidate.ID); err != nil {
			continue
		}
		if err := e.sendHello(ctx, candidate); err != nil {
			e.log.Debug("redial failed",
				logging.MaskField("peer_id", candidate.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		need--
	}

	if connected > 0 {
		e.requestPeers(ctx)
	}
}

func (e *Engine) requestPeers(ctx context.Context) {
	targets := e.registry.WeightedSample(1)
	if len(targets) == 0 {
		return
	}
	payload, err := EncodePayload(PeerRequest{Limit: e.cfg.TargetConnected})
	if err != nil {
		return
	}
	env, err := BuildEnvelope(e.identity, MsgPeerRequest, payload, 1)
	if err != nil {
		e.log.Warn("build peer request", slog.String("error", err.Error()))
		return
	}
	if err := e.SendDirect(ctx, targets[0].ID, env); err != nil {
		e.log.Debug("peer request failed",
			logging.MaskField("peer_id", targets[0].ID.String()),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) prunePendingDials() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for addr, last := range e.pendingDials {
		if now.Sub(last) > 2*helloBackoff {
			delete(e.pendingDials, addr)
		}
	}
}

// handleFrame is the receive pipeline: decode, throttle, verify, dedupe,
// dispatch, then re-gossip with one hop less.
func (e *Engine) handleFrame(transportName, remoteAddr string, frame []byte) {
	if e.stopped() {
		return
	}
	env, err := DecodeEnvelope(frame)
	if err != nil {
		e.metrics.recordDrop("malformed")
		e.log.Debug("dropping malformed frame",
			logging.MaskField("peer_address", remoteAddr),
			slog.String("error", err.Error()))
		return
	}
	if env.SenderID == e.identity.NodeID {
		return
	}

	// The deliverer is whoever handed us the frame, not necessarily the
	// originator.
	deliverer := env.SenderID
	if env.HasPrevHop() {
		deliverer = env.PrevHop
	}
	if !e.limiter.Allow(deliverer) {
		e.metrics.recordDrop("rate_limited")
		e.registry.MarkFailure(deliverer)
		return
	}

	pub, err := VerifyEnvelope(env)
	if err != nil {
		e.metrics.recordDrop("bad_signature")
		e.log.Debug("dropping envelope with bad signature",
			logging.MaskField("sender_id", env.SenderID.String()),
			slog.String("error", err.Error()))
		return
	}
	if env.TTL == 0 {
		e.metrics.recordDrop("ttl_expired")
		return
	}

	now := e.now()
	if !e.seen.Remember(env.MessageID, now) {
		e.registry.Touch(deliverer, now)
		return
	}

	e.registry.MarkSuccess(deliverer, 0)
	e.metrics.recordGossip("inbound", env.Type)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()

	from, known := e.registry.Peer(env.SenderID)
	if !known {
		from = PeerInfo{ID: env.SenderID, PublicKey: pub}
	}

	switch env.Type {
	case MsgPeerDiscovery:
		e.handleAnnounce(ctx, transportName, remoteAddr, env, pub)
	case MsgPeerRequest:
		e.handlePeerRequest(ctx, env)
	case MsgPeerResponse:
		e.handlePeerResponse(env)
	case MsgHealthCheck:
		// Liveness only; the deliverer was already credited above.
	}

	for _, h := range e.handlers.forType(env.Type) {
		if err := h.HandleMeshMessage(ctx, env, from); err != nil {
			e.log.Warn("message handler failed",
				slog.String("msg_type", env.Type.String()),
				logging.MaskField("sender_id", env.SenderID.String()),
				slog.String("error", err.Error()))
		}
	}

	if env.TTL >= 2 {
		exclude := []NodeID{env.SenderID}
		if env.HasPrevHop() {
			exclude = append(exclude, env.PrevHop)
		}
		relay := env.NextHop(e.identity.NodeID)
		go func() {
			relayCtx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
			defer cancel()
			e.metrics.recordGossip("forward", relay.Type)
			if err := e.fanout(relayCtx, relay, exclude...); err != nil {
				e.log.Debug("re-gossip failed",
					slog.String("message_id", relay.MessageID.String()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// handleAnnounce folds a signed self-announcement into the registry and
// completes the handshake for the announcing peer.
func (e *Engine) handleAnnounce(ctx context.Context, transportName, remoteAddr string, env *Envelope, pub *crypto.PublicKey) {
	var ann Announcement
	if err := DecodePayload(env.Payload, &ann); err != nil {
		e.metrics.recordDrop("bad_announcement")
		return
	}
	info, err := ann.ToPeerInfo()
	if err != nil {
		e.metrics.recordDrop("bad_announcement")
		return
	}
	if info.ID != env.SenderID {
		e.metrics.recordDrop("announce_mismatch")
		return
	}
	// The key recovered from the signature is authoritative over whatever the
	// payload claims.
	info.PublicKey = pub
	if info.Transport == "" {
		info.Transport = transportName
	}
	if info.Address == "" {
		info.Address = remoteAddr
	}

	prior, known := e.registry.Peer(info.ID)

	if err := e.registry.Discover(info); err != nil {
		if errors.Is(err, ErrRegistryFull) {
			e.log.Debug("registry full, ignoring announcement",
				logging.MaskField("peer_id", info.ID.String()))
		}
		return
	}

	e.ensureChannel(info.ID, pub)

	if err := e.registry.BeginHandshake(info.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return
	}
	if err := e.registry.MarkConnected(info.ID, pub); err != nil {
		e.log.Debug("mark connected",
			logging.MaskField("peer_id", info.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	e.metrics.setConnected(e.registry.ConnectedCount())

	// Greet back so the remote can complete its side, unless the session was
	// already live or we greeted that address moments ago.
	if !known || prior.State != PeerConnected {
		e.replyHello(ctx, info)
	}
}

func (e *Engine) ensureChannel(id NodeID, pub *crypto.PublicKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.channels[id]; ok {
		return
	}
	ch, err := DeriveSecureChannel(e.identity, pub)
	if err != nil {
		e.log.Warn("derive secure channel",
			logging.MaskField("peer_id", id.String()),
			slog.String("error", err.Error()))
		return
	}
	e.channels[id] = ch
	e.log.Debug("secure channel established",
		logging.MaskField("peer_id", id.String()),
		slog.String("fingerprint", ch.Fingerprint()))
}

func (e *Engine) replyHello(ctx context.Context, peer PeerInfo) {
	if peer.Address == "" {
		return
	}
	e.mu.Lock()
	now := e.now()
	if last, greeted := e.pendingDials[peer.Address]; greeted && now.Sub(last) < helloBackoff {
		e.mu.Unlock()
		return
	}
	e.pendingDials[peer.Address] = now
	e.mu.Unlock()

	if err := e.sendHello(ctx, peer); err != nil {
		e.log.Debug("hello reply failed",
			logging.MaskField("peer_address", peer.Address),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) handlePeerRequest(ctx context.Context, env *Envelope) {
	var req PeerRequest
	if err := DecodePayload(env.Payload, &req); err != nil {
		e.metrics.recordDrop("bad_peer_request")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPeerResponseLimit
	}
	if limit > maxPeerResponseLimit {
		limit = maxPeerResponseLimit
	}
	peers := e.registry.WeightedSample(limit, env.SenderID)
	resp := PeerResponse{Peers: make([]Announcement, 0, len(peers))}
	for _, peer := range peers {
		resp.Peers = append(resp.Peers, AnnouncementFromPeer(peer))
	}
	payload, err := EncodePayload(resp)
	if err != nil {
		return
	}
	reply, err := BuildEnvelope(e.identity, MsgPeerResponse, payload, 1)
	if err != nil {
		e.log.Warn("build peer response", slog.String("error", err.Error()))
		return
	}
	if err := e.SendDirect(ctx, env.SenderID, reply); err != nil {
		e.log.Debug("peer response failed",
			logging.MaskField("peer_id", env.SenderID.String()),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) handlePeerResponse(env *Envelope) {
	var resp PeerResponse
	if err := DecodePayload(env.Payload, &resp); err != nil {
		e.metrics.recordDrop("bad_peer_response")
		return
	}
	for _, ann := range resp.Peers {
		info, err := ann.ToPeerInfo()
		if err != nil {
			continue
		}
		if info.ID == e.identity.NodeID {
			continue
		}
		if err := e.registry.Discover(info); err != nil {
			if errors.Is(err, ErrRegistryFull) {
				break
			}
		}
	}
}
