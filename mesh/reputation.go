package mesh

import "time"

// Reputation is a bounded integer in [0, 100]. Successful exchanges nudge it
// up, failures pull it down hard, and sampling weight follows it, so flaky
// peers fade out of the gossip fan-out instead of being cut off outright.

// MarkSuccess rewards a peer after a successful exchange and folds the
// observed round-trip latency into its moving average.
func (r *Registry) MarkSuccess(id NodeID, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[id]
	if peer == nil {
		return
	}
	r.applyReputationLocked(peer, r.cfg.SuccessDelta)
	if latency > 0 {
		observeLatencyLocked(peer, latency)
	}
	peer.LastSeen = r.now()
	r.persistLocked(peer)
}

// MarkFailure penalises a peer after a failed exchange.
func (r *Registry) MarkFailure(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[id]
	if peer == nil {
		return
	}
	r.applyReputationLocked(peer, -r.cfg.FailureDelta)
	r.persistLocked(peer)
}

// ObserveLatency folds a latency measurement into the peer's moving average
// without touching its reputation.
func (r *Registry) ObserveLatency(id NodeID, latency time.Duration) {
	if latency <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	peer := r.peers[id]
	if peer == nil {
		return
	}
	observeLatencyLocked(peer, latency)
}

// Reputation returns the current score for a peer, zero for unknown peers.
func (r *Registry) Reputation(id NodeID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer := r.peers[id]
	if peer == nil {
		return 0
	}
	return peer.Reputation
}

func (r *Registry) applyReputationLocked(peer *PeerInfo, delta int) {
	peer.Reputation = clampReputation(peer.Reputation + delta)
}

func clampReputation(score int) int {
	if score > maxReputation {
		return maxReputation
	}
	if score < minReputation {
		return minReputation
	}
	return score
}

func observeLatencyLocked(peer *PeerInfo, latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	if peer.LatencyMS <= 0 {
		peer.LatencyMS = ms
		return
	}
	peer.LatencyMS = latencyEWMAAlpha*ms + (1-latencyEWMAAlpha)*peer.LatencyMS
}
