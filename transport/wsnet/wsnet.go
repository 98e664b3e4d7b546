// Package wsnet carries mesh frames over websockets. A reachable node runs
// one HTTP listener with a mesh endpoint; outbound connections are dialled on
// demand and cached, and inbound connections are cached by remote address so
// direct replies can ride the same socket back through a NAT.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"walletmesh/mesh"
	"walletmesh/mesh/seeds"
	"walletmesh/observability/logging"
)

// TransportName is the name wsnet reports to the engine.
const TransportName = "ws"

const (
	meshPath = "/mesh"

	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	closeTimeout        = 5 * time.Second
)

// Config tunes the websocket transport. Zero values fall back to defaults.
type Config struct {
	// ListenAddr is the host:port to accept peers on. Empty means dial-only.
	ListenAddr string
	// AdvertiseAddr is the address announced to peers. Defaults to the bound
	// listen address.
	AdvertiseAddr string
	// Bootstrap lists static addresses returned from Discover.
	Bootstrap []string
	// Seeds optionally adds signed seed records to Discover results.
	Seeds *seeds.Directory
	// SeedResolver overrides the DNS resolver used for seed lookups.
	SeedResolver seeds.Resolver
	// DialTimeout bounds one outbound dial. Default 5s.
	DialTimeout time.Duration
	// WriteTimeout bounds one frame write. Default 10s.
	WriteTimeout time.Duration
	// MaxFrameBytes caps inbound frames. Defaults to the mesh payload cap
	// plus envelope overhead.
	MaxFrameBytes int64
	// Logger receives transport events. Defaults to slog.Default.
	Logger *slog.Logger
}

// Transport satisfies mesh.Transport over websockets.
type Transport struct {
	cfg Config
	log *slog.Logger

	server *http.Server
	ln     net.Listener

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.RWMutex
	recv     mesh.ReceiveFunc
	conns    map[string]*websocket.Conn
	shutdown bool

	wg sync.WaitGroup
}

// New builds the transport and, when ListenAddr is set, starts accepting
// peers immediately.
func New(cfg Config) (*Transport, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = int64(mesh.MaxPayloadSize) + 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg,
		log:     logger.With(slog.String("component", "wsnet")),
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[string]*websocket.Conn),
	}

	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("wsnet: listen %s: %w", cfg.ListenAddr, err)
		}
		t.ln = ln

		router := chi.NewRouter()
		router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		router.Get(meshPath, t.handleMesh)
		t.server = &http.Server{Handler: router}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.log.Warn("listener stopped", slog.String("error", err.Error()))
			}
		}()
		t.log.Info("websocket transport listening",
			logging.MaskField("listen_address", ln.Addr().String()))
	}
	return t, nil
}

// Name reports the transport type.
func (t *Transport) Name() string { return TransportName }

// Addr reports the address peers should dial, or empty for a dial-only node.
func (t *Transport) Addr() string {
	if t.cfg.AdvertiseAddr != "" {
		return t.cfg.AdvertiseAddr
	}
	if t.ln != nil {
		return t.ln.Addr().String()
	}
	return ""
}

// SetReceiver installs the inbound frame callback.
func (t *Transport) SetReceiver(fn mesh.ReceiveFunc) {
	t.mu.Lock()
	t.recv = fn
	t.mu.Unlock()
}

// Discover returns the configured bootstrap addresses plus any seed records
// the directory resolves. Seed lookup failures still return the addresses
// gathered so far.
func (t *Transport) Discover(ctx context.Context) ([]string, error) {
	out := append([]string(nil), t.cfg.Bootstrap...)
	var lookupErr error
	if t.cfg.Seeds != nil {
		resolved, err := t.cfg.Seeds.Resolve(ctx, time.Now(), t.cfg.SeedResolver)
		for _, seed := range resolved {
			if seed.Transport != "" && seed.Transport != TransportName {
				continue
			}
			out = append(out, seed.Address)
		}
		if err != nil {
			lookupErr = fmt.Errorf("wsnet: seed lookup: %w", err)
		}
	}
	return dedupeAddrs(out), lookupErr
}

// Send delivers one frame to addr, dialling and caching a connection when
// none exists yet. A failed write retires the cached connection.
func (t *Transport) Send(ctx context.Context, addr string, frame []byte) error {
	if int64(len(frame)) > t.cfg.MaxFrameBytes {
		return fmt.Errorf("wsnet: frame of %d bytes exceeds limit", len(frame))
	}
	conn, err := t.conn(ctx, addr)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageBinary, frame); err != nil {
		t.drop(addr, conn)
		return fmt.Errorf("wsnet: write to %s: %w", addr, err)
	}
	return nil
}

// Close stops the listener and retires every connection. Safe to call more
// than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	conns := t.conns
	t.conns = make(map[string]*websocket.Conn)
	t.mu.Unlock()

	t.cancel()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "transport closed")
	}
	var err error
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = t.server.Shutdown(ctx)
	}
	t.wg.Wait()
	return err
}

func (t *Transport) handleMesh(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	conn.SetReadLimit(t.cfg.MaxFrameBytes)
	remote := r.RemoteAddr

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "transport closed")
		return
	}
	t.conns[remote] = conn
	t.mu.Unlock()

	t.log.Debug("peer connected", logging.MaskField("peer_address", remote))
	defer t.drop(remote, conn)
	t.readLoop(remote, conn)
}

func (t *Transport) conn(ctx context.Context, addr string) (*websocket.Conn, error) {
	t.mu.RLock()
	if t.shutdown {
		t.mu.RUnlock()
		return nil, fmt.Errorf("wsnet: transport closed")
	}
	cached := t.conns[addr]
	t.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, t.urlFor(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("wsnet: dial %s: %w", addr, err)
	}
	conn.SetReadLimit(t.cfg.MaxFrameBytes)

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "transport closed")
		return nil, fmt.Errorf("wsnet: transport closed")
	}
	if existing := t.conns[addr]; existing != nil {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return existing, nil
	}
	t.conns[addr] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.drop(addr, conn)
		t.readLoop(addr, conn)
	}()
	return conn, nil
}

// readLoop feeds binary frames from one connection into the receiver until
// the connection dies or the transport closes.
func (t *Transport) readLoop(remote string, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(t.baseCtx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		t.mu.RLock()
		fn := t.recv
		t.mu.RUnlock()
		if fn != nil {
			fn(remote, data)
		}
	}
}

func (t *Transport) drop(addr string, conn *websocket.Conn) {
	t.mu.Lock()
	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "connection retired")
}

func (t *Transport) urlFor(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "ws://" + addr + meshPath
}

func dedupeAddrs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, addr := range in {
		trimmed := strings.TrimSpace(addr)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
