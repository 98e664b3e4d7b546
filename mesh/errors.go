package mesh

import "errors"

var (
	// ErrRegistryFull indicates the peer registry reached its configured
	// capacity and no existing entry was eligible for eviction.
	ErrRegistryFull = errors.New("mesh: peer registry full")
	// ErrUnknownPeer indicates the node id has no registry entry.
	ErrUnknownPeer = errors.New("mesh: unknown peer")
	// ErrPeerNotConnected indicates the peer exists but holds no live session.
	ErrPeerNotConnected = errors.New("mesh: peer not connected")
	// ErrSelfPeer indicates an attempt to register or dial the local node.
	ErrSelfPeer = errors.New("mesh: refusing to peer with self")
	// ErrInvalidTransition indicates a peer state change that the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("mesh: invalid peer state transition")

	// ErrDuplicateMessage indicates the envelope was already processed.
	ErrDuplicateMessage = errors.New("mesh: duplicate message")
	// ErrTTLExhausted indicates the envelope arrived with no hop budget left.
	ErrTTLExhausted = errors.New("mesh: message ttl exhausted")
	// ErrInvalidSignature indicates the envelope signature did not recover
	// to the claimed sender.
	ErrInvalidSignature = errors.New("mesh: invalid envelope signature")
	// ErrInvalidEnvelope indicates a frame that could not be decoded.
	ErrInvalidEnvelope = errors.New("mesh: malformed envelope")
	// ErrRateLimited indicates the sender exceeded its inbound budget.
	ErrRateLimited = errors.New("mesh: sender rate limited")

	// ErrNoTransport indicates no registered transport serves the protocol.
	ErrNoTransport = errors.New("mesh: no transport for protocol")
	// ErrEngineStopped indicates the engine is shutting down or stopped.
	ErrEngineStopped = errors.New("mesh: engine stopped")
)
