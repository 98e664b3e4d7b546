// Package memnet carries mesh frames between in-process endpoints through a
// shared hub. It exists for tests and single-process meshes: frames keep
// their per-endpoint ordering, and the hub can inject latency or block
// addresses to simulate bad links.
package memnet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"walletmesh/mesh"
)

// TransportName is the name memnet endpoints report to the engine.
const TransportName = "mem"

const inboxDepth = 64

// Hub connects memnet endpoints by address.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	blocked   map[string]struct{}
	latency   time.Duration
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		blocked:   make(map[string]struct{}),
	}
}

// Endpoint registers a new endpoint under the given address.
func (h *Hub) Endpoint(addr string) (*Endpoint, error) {
	if addr == "" {
		return nil, fmt.Errorf("memnet: endpoint address required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.endpoints[addr]; taken {
		return nil, fmt.Errorf("memnet: address %q already registered", addr)
	}
	e := &Endpoint{
		hub:   h,
		addr:  addr,
		inbox: make(chan inboundFrame, inboxDepth),
		quit:  make(chan struct{}),
	}
	h.endpoints[addr] = e
	go e.pump()
	return e, nil
}

// SetLatency injects a fixed delivery delay on every send.
func (h *Hub) SetLatency(d time.Duration) {
	h.mu.Lock()
	h.latency = d
	h.mu.Unlock()
}

// Block makes sends to the address fail until Unblock.
func (h *Hub) Block(addr string) {
	h.mu.Lock()
	h.blocked[addr] = struct{}{}
	h.mu.Unlock()
}

// Unblock restores delivery to the address.
func (h *Hub) Unblock(addr string) {
	h.mu.Lock()
	delete(h.blocked, addr)
	h.mu.Unlock()
}

// Addresses lists every registered endpoint, sorted for stable output.
func (h *Hub) Addresses() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.endpoints))
	for addr := range h.endpoints {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) remove(addr string) {
	h.mu.Lock()
	delete(h.endpoints, addr)
	h.mu.Unlock()
}

func (h *Hub) lookup(addr string) (*Endpoint, time.Duration, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, blocked := h.blocked[addr]; blocked {
		return nil, 0, fmt.Errorf("memnet: address %q unreachable", addr)
	}
	target, ok := h.endpoints[addr]
	if !ok {
		return nil, 0, fmt.Errorf("memnet: no endpoint at %q", addr)
	}
	return target, h.latency, nil
}

type inboundFrame struct {
	from string
	data []byte
}

// Endpoint is one attachment point on the hub. It satisfies mesh.Transport.
type Endpoint struct {
	hub  *Hub
	addr string

	mu   sync.RWMutex
	recv mesh.ReceiveFunc

	inbox    chan inboundFrame
	quit     chan struct{}
	stopOnce sync.Once
}

// Name reports the transport type.
func (e *Endpoint) Name() string { return TransportName }

// Addr reports the address peers dial to reach this endpoint.
func (e *Endpoint) Addr() string { return e.addr }

// SetReceiver installs the inbound frame callback.
func (e *Endpoint) SetReceiver(fn mesh.ReceiveFunc) {
	e.mu.Lock()
	e.recv = fn
	e.mu.Unlock()
}

// Discover returns every other endpoint on the hub.
func (e *Endpoint) Discover(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := e.hub.Addresses()
	out := make([]string, 0, len(all))
	for _, addr := range all {
		if addr == e.addr {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// Send delivers one frame to the endpoint at addr, honouring the hub's
// injected latency and block list.
func (e *Endpoint) Send(ctx context.Context, addr string, frame []byte) error {
	select {
	case <-e.quit:
		return fmt.Errorf("memnet: endpoint %q closed", e.addr)
	default:
	}
	target, latency, err := e.hub.lookup(addr)
	if err != nil {
		return err
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	payload := append([]byte(nil), frame...)
	select {
	case target.inbox <- inboundFrame{from: e.addr, data: payload}:
		return nil
	case <-target.quit:
		return fmt.Errorf("memnet: endpoint %q closed", addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches the endpoint from the hub. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.stopOnce.Do(func() {
		close(e.quit)
		e.hub.remove(e.addr)
	})
	return nil
}

func (e *Endpoint) pump() {
	for {
		select {
		case f := <-e.inbox:
			e.mu.RLock()
			fn := e.recv
			e.mu.RUnlock()
			if fn != nil {
				fn(f.from, f.data)
			}
		case <-e.quit:
			return
		}
	}
}
