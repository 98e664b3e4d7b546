package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"
)

// MsgType identifies the kind of payload an envelope carries.
type MsgType byte

const (
	MsgTransaction   MsgType = 0x01
	MsgPeerDiscovery MsgType = 0x02
	MsgPeerRequest   MsgType = 0x03
	MsgPeerResponse  MsgType = 0x04
	MsgBlockSync     MsgType = 0x05
	MsgHealthCheck   MsgType = 0x06
)

// Valid reports whether the type is part of the protocol.
func (t MsgType) Valid() bool {
	return t >= MsgTransaction && t <= MsgHealthCheck
}

func (t MsgType) String() string {
	switch t {
	case MsgTransaction:
		return "transaction"
	case MsgPeerDiscovery:
		return "peer_discovery"
	case MsgPeerRequest:
		return "peer_request"
	case MsgPeerResponse:
		return "peer_response"
	case MsgBlockSync:
		return "block_sync"
	case MsgHealthCheck:
		return "health_check"
	default:
		return fmt.Sprintf("0x%02x", byte(t))
	}
}

// EnvelopeVersion is the wire protocol revision emitted by this node.
const EnvelopeVersion uint8 = 1

// DefaultTTL bounds how many hops an envelope survives unless the engine is
// configured otherwise.
const DefaultTTL uint8 = 10

// MessageID uniquely identifies a gossip message across the mesh.
type MessageID [32]byte

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// Envelope is the unit of propagation. TTL and PrevHop mutate as the message
// travels; every other field is set once by the originator and covered by the
// signature.
type Envelope struct {
	Version   uint8
	Type      MsgType
	MessageID MessageID
	Timestamp int64 // unix milliseconds at origination
	TTL       uint8
	SenderID  NodeID
	PrevHop   NodeID // zero until the first relay
	Payload   []byte
	Signature []byte
}

// HasPrevHop reports whether the envelope was relayed at least once.
func (e *Envelope) HasPrevHop() bool {
	return !e.PrevHop.IsZero()
}

// NextHop returns a relay copy with the hop budget decremented and the
// previous hop stamped. The signature is untouched; relays never re-sign.
func (e *Envelope) NextHop(self NodeID) *Envelope {
	clone := *e
	if clone.TTL > 0 {
		clone.TTL--
	}
	clone.PrevHop = self
	return &clone
}

// ComputeMessageID derives the message id from the payload, the origination
// timestamp, and a random nonce so identical payloads sent twice still gossip
// independently.
func ComputeMessageID(payload []byte, timestamp int64, nonce []byte) MessageID {
	buf := make([]byte, 0, len(payload)+8+len(nonce))
	buf = append(buf, payload...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, nonce...)
	return MessageID(blake3.Sum256(buf))
}

func newMessageNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mesh: message nonce: %w", err)
	}
	return nonce, nil
}

// BuildEnvelope assembles and signs a fresh envelope originating at the given
// identity.
func BuildEnvelope(id *Identity, msgType MsgType, payload []byte, ttl uint8) (*Envelope, error) {
	if id == nil || id.PrivateKey == nil {
		return nil, fmt.Errorf("mesh: identity required to build envelope")
	}
	if !msgType.Valid() {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrInvalidEnvelope, byte(msgType))
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	nonce, err := newMessageNonce()
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	env := &Envelope{
		Version:   EnvelopeVersion,
		Type:      msgType,
		MessageID: ComputeMessageID(payload, now, nonce),
		Timestamp: now,
		TTL:       ttl,
		SenderID:  id.NodeID,
		Payload:   payload,
	}
	if err := SignEnvelope(id, env); err != nil {
		return nil, err
	}
	return env, nil
}
