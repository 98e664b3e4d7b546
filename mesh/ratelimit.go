package mesh

import (
	"sync"

	"golang.org/x/time/rate"
)

// senderLimiter enforces a per-sender token budget on inbound envelopes so a
// single chatty peer cannot starve the receive path.
type senderLimiter struct {
	perSecond rate.Limit
	burst     int

	mu    sync.Mutex
	peers map[NodeID]*rate.Limiter
}

func newSenderLimiter(perSecond float64, burst int) *senderLimiter {
	if perSecond <= 0 {
		perSecond = defaultInboundPerSecond
	}
	if burst <= 0 {
		burst = defaultInboundBurst
	}
	return &senderLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		peers:     make(map[NodeID]*rate.Limiter),
	}
}

// Allow reports whether the sender may deliver another envelope right now.
func (l *senderLimiter) Allow(id NodeID) bool {
	l.mu.Lock()
	limiter, ok := l.peers[id]
	if !ok {
		limiter = rate.NewLimiter(l.perSecond, l.burst)
		l.peers[id] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Forget releases the budget tracked for a departed peer.
func (l *senderLimiter) Forget(id NodeID) {
	l.mu.Lock()
	delete(l.peers, id)
	l.mu.Unlock()
}

const (
	defaultInboundPerSecond = 20.0
	defaultInboundBurst     = 40
)
