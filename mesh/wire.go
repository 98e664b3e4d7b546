package mesh

import (
	"encoding/binary"
	"fmt"

	"walletmesh/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Wire layout, big-endian throughout:
//
//	version   u8
//	type      u8
//	flags     u8   (bit 0: prevHop present)
//	ttl       u8
//	timestamp i64  (unix milliseconds)
//	messageId 32B
//	senderId  32B
//	prevHop   32B  (only when flagged)
//	payload   u32 length prefix + bytes
//	signature u16 length prefix + bytes
//
// The signature is a 65-byte recoverable secp256k1 signature over the
// origination digest. TTL, flags, and prevHop mutate hop to hop and are
// excluded from the digest so relayed envelopes verify unchanged.
const (
	flagPrevHop = 0x01

	envelopeFixedLen = 4 + 8 + 32 + 32

	// MaxPayloadSize bounds a single gossip payload.
	MaxPayloadSize = 1 << 20

	signatureLen = 65
)

const envelopeDomain = "wm-mesh|envelope|v1"

// SigningDigest hashes the immutable envelope fields under the protocol
// domain separator.
func SigningDigest(env *Envelope) []byte {
	var meta [10]byte
	meta[0] = env.Version
	meta[1] = byte(env.Type)
	binary.BigEndian.PutUint64(meta[2:], uint64(env.Timestamp))
	return ethcrypto.Keccak256([]byte(envelopeDomain), meta[:], env.MessageID[:], env.SenderID[:], env.Payload)
}

// SignEnvelope signs the envelope with the local identity key.
func SignEnvelope(id *Identity, env *Envelope) error {
	if id == nil || id.PrivateKey == nil {
		return fmt.Errorf("mesh: identity required to sign")
	}
	if env == nil {
		return fmt.Errorf("mesh: nil envelope")
	}
	sig, err := ethcrypto.Sign(SigningDigest(env), id.PrivateKey.PrivateKey)
	if err != nil {
		return fmt.Errorf("mesh: sign envelope: %w", err)
	}
	env.Signature = sig
	return nil
}

// VerifyEnvelope recovers the signer from the signature and checks it matches
// the claimed sender id. The recovered public key is returned so receivers
// can learn peer keys without a separate exchange.
func VerifyEnvelope(env *Envelope) (*crypto.PublicKey, error) {
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	if len(env.Signature) != signatureLen {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, signatureLen, len(env.Signature))
	}
	pub, err := ethcrypto.SigToPub(SigningDigest(env), env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if deriveNodeIDFromECDSA(pub) != env.SenderID {
		return nil, fmt.Errorf("%w: signer does not match sender id", ErrInvalidSignature)
	}
	return &crypto.PublicKey{PublicKey: pub}, nil
}

// EncodeEnvelope serialises the envelope into a transport frame.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrInvalidEnvelope
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrInvalidEnvelope, byte(env.Type))
	}
	if len(env.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidEnvelope, MaxPayloadSize)
	}
	if len(env.Signature) > 0 && len(env.Signature) != signatureLen {
		return nil, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidEnvelope, signatureLen)
	}

	size := envelopeFixedLen + 4 + len(env.Payload) + 2 + len(env.Signature)
	if env.HasPrevHop() {
		size += len(env.PrevHop)
	}
	frame := make([]byte, 0, size)

	var flags uint8
	if env.HasPrevHop() {
		flags |= flagPrevHop
	}
	frame = append(frame, env.Version, byte(env.Type), flags, env.TTL)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp))
	frame = append(frame, ts[:]...)
	frame = append(frame, env.MessageID[:]...)
	frame = append(frame, env.SenderID[:]...)
	if env.HasPrevHop() {
		frame = append(frame, env.PrevHop[:]...)
	}

	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(env.Payload)))
	frame = append(frame, plen[:]...)
	frame = append(frame, env.Payload...)

	var slen [2]byte
	binary.BigEndian.PutUint16(slen[:], uint16(len(env.Signature)))
	frame = append(frame, slen[:]...)
	frame = append(frame, env.Signature...)

	return frame, nil
}

// DecodeEnvelope parses a transport frame. Every length is bounds-checked so
// hostile frames fail cleanly instead of panicking.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	if len(frame) < envelopeFixedLen+4+2 {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidEnvelope, len(frame))
	}

	env := &Envelope{
		Version: frame[0],
		Type:    MsgType(frame[1]),
		TTL:     frame[3],
	}
	flags := frame[2]
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidEnvelope, env.Version)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrInvalidEnvelope, frame[1])
	}

	offset := 4
	env.Timestamp = int64(binary.BigEndian.Uint64(frame[offset:]))
	offset += 8
	copy(env.MessageID[:], frame[offset:])
	offset += len(env.MessageID)
	copy(env.SenderID[:], frame[offset:])
	offset += len(env.SenderID)

	if flags&flagPrevHop != 0 {
		if len(frame) < offset+len(env.PrevHop) {
			return nil, fmt.Errorf("%w: truncated prev hop", ErrInvalidEnvelope)
		}
		copy(env.PrevHop[:], frame[offset:])
		offset += len(env.PrevHop)
	}

	if len(frame) < offset+4 {
		return nil, fmt.Errorf("%w: truncated payload length", ErrInvalidEnvelope)
	}
	payloadLen := int(binary.BigEndian.Uint32(frame[offset:]))
	offset += 4
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidEnvelope, MaxPayloadSize)
	}
	if len(frame) < offset+payloadLen {
		return nil, fmt.Errorf("%w: truncated payload", ErrInvalidEnvelope)
	}
	if payloadLen > 0 {
		env.Payload = append([]byte(nil), frame[offset:offset+payloadLen]...)
	}
	offset += payloadLen

	if len(frame) < offset+2 {
		return nil, fmt.Errorf("%w: truncated signature length", ErrInvalidEnvelope)
	}
	sigLen := int(binary.BigEndian.Uint16(frame[offset:]))
	offset += 2
	if len(frame) < offset+sigLen {
		return nil, fmt.Errorf("%w: truncated signature", ErrInvalidEnvelope)
	}
	if sigLen > 0 {
		env.Signature = append([]byte(nil), frame[offset:offset+sigLen]...)
	}
	offset += sigLen

	if offset != len(frame) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidEnvelope, len(frame)-offset)
	}
	return env, nil
}
