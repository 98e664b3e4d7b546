package mesh

import (
	"context"
	"sync"
)

// Handler consumes verified envelopes of a single message type. Handlers run
// synchronously in registration order on the receive path; returning an error
// is logged and counted but never stops later handlers or the re-gossip step.
type Handler interface {
	HandleMeshMessage(ctx context.Context, env *Envelope, from PeerInfo) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *Envelope, from PeerInfo) error

func (f HandlerFunc) HandleMeshMessage(ctx context.Context, env *Envelope, from PeerInfo) error {
	return f(ctx, env, from)
}

type handlerRegistry struct {
	mu     sync.RWMutex
	byType map[MsgType][]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{byType: make(map[MsgType][]Handler)}
}

func (r *handlerRegistry) add(t MsgType, h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.byType[t] = append(r.byType[t], h)
	r.mu.Unlock()
}

func (r *handlerRegistry) forType(t MsgType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := r.byType[t]
	if len(handlers) == 0 {
		return nil
	}
	out := make([]Handler, len(handlers))
	copy(out, handlers)
	return out
}
