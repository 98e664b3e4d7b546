package txqueue

import (
	"context"
	"errors"
	"testing"

	"walletmesh/crypto"
	"walletmesh/mesh"
)

func newRelayFixture(t *testing.T) (*MeshRelay, *Queue, *mesh.Engine) {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity, err := mesh.NewIdentity(priv)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	engine, err := mesh.NewEngine(identity, mesh.NewRegistry(identity.NodeID, mesh.RegistryConfig{}), mesh.Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	q := newTestQueue(t, Config{})
	relay, err := NewMeshRelay(engine, q, nil)
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return relay, q, engine
}

func TestNewMeshRelayRequiresBothSides(t *testing.T) {
	q := newTestQueue(t, Config{})
	if _, err := NewMeshRelay(nil, q, nil); err == nil {
		t.Fatalf("relay without engine should fail")
	}

	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity, err := mesh.NewIdentity(priv)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	engine, err := mesh.NewEngine(identity, mesh.NewRegistry(identity.NodeID, mesh.RegistryConfig{}), mesh.Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := NewMeshRelay(engine, nil, nil); err == nil {
		t.Fatalf("relay without queue should fail")
	}
}

func TestPublishTransactionRequiresSignedBytes(t *testing.T) {
	relay, q, _ := newRelayFixture(t)

	tx := enqueue(t, q, "eth-mainnet")
	snap, _ := q.Get(tx.ID)
	if err := relay.PublishTransaction(context.Background(), snap); !errors.Is(err, ErrMissingRawTx) {
		t.Fatalf("unsigned entry must not gossip, got %v", err)
	}
	if err := relay.PublishTransaction(context.Background(), nil); !errors.Is(err, ErrMissingRawTx) {
		t.Fatalf("nil entry must not gossip, got %v", err)
	}

	signEntry(t, q, tx.ID, "0xfeed")
	snap, _ = q.Get(tx.ID)
	// No connected peers: the broadcast records the message and goes nowhere.
	if err := relay.PublishTransaction(context.Background(), snap); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestHandleBlockSyncConfirmsByHash(t *testing.T) {
	relay, q, _ := newRelayFixture(t)

	tx := enqueue(t, q, "eth-mainnet")
	signEntry(t, q, tx.ID, "0xmined")

	remoteKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	remote, err := mesh.NewIdentity(remoteKey)
	if err != nil {
		t.Fatalf("remote identity: %v", err)
	}
	payload, err := mesh.EncodePayload(mesh.BlockSyncNotice{
		ChainID:   "eth-mainnet",
		Height:    19_000_001,
		Confirmed: []string{"0xother-wallet", "0xmined"},
	})
	if err != nil {
		t.Fatalf("encode notice: %v", err)
	}
	env, err := mesh.BuildEnvelope(remote, mesh.MsgBlockSync, payload, 1)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}

	if err := relay.handleBlockSync(context.Background(), env, mesh.PeerInfo{ID: remote.NodeID}); err != nil {
		t.Fatalf("handle block sync: %v", err)
	}
	got, _ := q.Get(tx.ID)
	if got.Status != StatusConfirmed {
		t.Fatalf("block notice should confirm the entry, got %s", got.Status)
	}

	// Replayed notices are harmless.
	if err := relay.handleBlockSync(context.Background(), env, mesh.PeerInfo{ID: remote.NodeID}); err != nil {
		t.Fatalf("replayed notice: %v", err)
	}
}

func TestHandleBlockSyncRejectsGarbage(t *testing.T) {
	relay, _, _ := newRelayFixture(t)

	remoteKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	remote, err := mesh.NewIdentity(remoteKey)
	if err != nil {
		t.Fatalf("remote identity: %v", err)
	}
	env, err := mesh.BuildEnvelope(remote, mesh.MsgBlockSync, []byte("not json"), 1)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if err := relay.handleBlockSync(context.Background(), env, mesh.PeerInfo{}); err == nil {
		t.Fatalf("malformed notice should error")
	}
}
