package mesh

import (
	"testing"
	"time"
)

func TestBuildEnvelopeDefaults(t *testing.T) {
	id := newTestIdentity(t)
	payload := []byte(`{"hello":"mesh"}`)

	env, err := BuildEnvelope(id, MsgTransaction, payload, 0)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if env.Version != EnvelopeVersion {
		t.Fatalf("unexpected version %d", env.Version)
	}
	if env.TTL != DefaultTTL {
		t.Fatalf("expected default ttl %d, got %d", DefaultTTL, env.TTL)
	}
	if env.SenderID != id.NodeID {
		t.Fatalf("sender id mismatch")
	}
	if env.HasPrevHop() {
		t.Fatalf("fresh envelope must not carry a prev hop")
	}
	if env.MessageID == (MessageID{}) {
		t.Fatalf("expected message id")
	}
	if len(env.Signature) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(env.Signature))
	}
	now := time.Now().UnixMilli()
	if env.Timestamp < now-5000 || env.Timestamp > now+5000 {
		t.Fatalf("timestamp out of range: %d vs %d", env.Timestamp, now)
	}
}

func TestBuildEnvelopeRejectsUnknownType(t *testing.T) {
	id := newTestIdentity(t)
	if _, err := BuildEnvelope(id, MsgType(0x7f), nil, 0); err == nil {
		t.Fatalf("expected unknown type rejection")
	}
	if _, err := BuildEnvelope(nil, MsgTransaction, nil, 0); err == nil {
		t.Fatalf("expected nil identity rejection")
	}
}

func TestMessageIDUniquePerBuild(t *testing.T) {
	id := newTestIdentity(t)
	payload := []byte("identical payload")

	first, err := BuildEnvelope(id, MsgTransaction, payload, 0)
	if err != nil {
		t.Fatalf("build first: %v", err)
	}
	second, err := BuildEnvelope(id, MsgTransaction, payload, 0)
	if err != nil {
		t.Fatalf("build second: %v", err)
	}
	if first.MessageID == second.MessageID {
		t.Fatalf("two builds of the same payload must gossip independently")
	}
}

func TestComputeMessageIDDeterministic(t *testing.T) {
	payload := []byte("payload")
	nonce := []byte("0123456789abcdef")

	a := ComputeMessageID(payload, 1700000000000, nonce)
	b := ComputeMessageID(payload, 1700000000000, nonce)
	if a != b {
		t.Fatalf("same inputs must produce the same id")
	}
	if c := ComputeMessageID(payload, 1700000000001, nonce); c == a {
		t.Fatalf("timestamp must be part of the id")
	}
	if d := ComputeMessageID(payload, 1700000000000, []byte("fedcba9876543210")); d == a {
		t.Fatalf("nonce must be part of the id")
	}
}

func TestNextHopDecrementsTTL(t *testing.T) {
	id := newTestIdentity(t)
	relay := newTestIdentity(t)

	env, err := BuildEnvelope(id, MsgTransaction, []byte("x"), 10)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	hop1 := env.NextHop(relay.NodeID)
	if hop1.TTL != 9 {
		t.Fatalf("expected ttl 9, got %d", hop1.TTL)
	}
	if hop1.PrevHop != relay.NodeID {
		t.Fatalf("prev hop not stamped")
	}
	if env.TTL != 10 {
		t.Fatalf("original envelope mutated")
	}

	hop2 := hop1.NextHop(id.NodeID)
	if hop2.TTL != 8 {
		t.Fatalf("expected ttl 8, got %d", hop2.TTL)
	}

	hop1.TTL = 0
	if drained := hop1.NextHop(relay.NodeID); drained.TTL != 0 {
		t.Fatalf("ttl must not wrap below zero")
	}
}

func TestMsgTypeValidity(t *testing.T) {
	for mt := MsgTransaction; mt <= MsgHealthCheck; mt++ {
		if !mt.Valid() {
			t.Fatalf("type 0x%02x should be valid", byte(mt))
		}
	}
	if MsgType(0x00).Valid() || MsgType(0x07).Valid() {
		t.Fatalf("out-of-range types must be invalid")
	}
	if MsgPeerDiscovery.String() != "peer_discovery" {
		t.Fatalf("unexpected name %q", MsgPeerDiscovery.String())
	}
	if MsgType(0xff).String() != "0xff" {
		t.Fatalf("unexpected fallback name %q", MsgType(0xff).String())
	}
}
