package mesh

import "context"

// ReceiveFunc consumes a raw envelope frame arriving from a remote transport
// address. The address is advisory; the authenticated sender identity comes
// from the envelope signature.
type ReceiveFunc func(remoteAddr string, frame []byte)

// Transport moves opaque, already-encoded envelope frames between nodes.
// Implementations live outside this package (in-memory hubs, websocket
// bridges, radio adapters) and are registered with the engine by name. The
// engine never inspects transport internals: it discovers candidate
// addresses, sends frames, and receives frames.
type Transport interface {
	// Name identifies the transport protocol, for example "memnet" or "wsnet".
	Name() string
	// Addr is the local address other nodes should dial, empty when the
	// transport cannot be dialled back.
	Addr() string
	// Discover returns candidate peer addresses reachable over this transport.
	Discover(ctx context.Context) ([]string, error)
	// Send delivers a single frame to the given transport address.
	Send(ctx context.Context, addr string, frame []byte) error
	// SetReceiver installs the inbound frame callback. The engine installs
	// its receive pipeline here before any traffic flows.
	SetReceiver(fn ReceiveFunc)
	// Close releases transport resources.
	Close() error
}
