package mesh

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"walletmesh/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NodeID is the 32-byte keccak digest of a node's uncompressed public key.
// It identifies a node across every transport it is reachable on.
type NodeID [32]byte

var zeroNodeID NodeID

// String renders the id as 0x-prefixed lowercase hex.
func (id NodeID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Short returns a truncated form suitable for log correlation.
func (id NodeID) Short() string {
	return "0x" + hex.EncodeToString(id[:4])
}

// IsZero reports whether the id carries no value.
func (id NodeID) IsZero() bool {
	return id == zeroNodeID
}

// ParseNodeID decodes a 0x-prefixed or bare hex node id.
func ParseNodeID(s string) (NodeID, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return NodeID{}, fmt.Errorf("mesh: decode node id: %w", err)
	}
	if len(raw) != len(NodeID{}) {
		return NodeID{}, fmt.Errorf("mesh: node id must be %d bytes, got %d", len(NodeID{}), len(raw))
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// DeriveNodeID hashes the uncompressed public key into the canonical node id.
func DeriveNodeID(pub *crypto.PublicKey) NodeID {
	if pub == nil || pub.PublicKey == nil {
		return NodeID{}
	}
	return deriveNodeIDFromECDSA(pub.PublicKey)
}

func deriveNodeIDFromECDSA(pub *ecdsa.PublicKey) NodeID {
	var id NodeID
	if pub == nil {
		return id
	}
	pubBytes := ethcrypto.FromECDSAPub(pub)
	if len(pubBytes) == 0 {
		return id
	}
	copy(id[:], ethcrypto.Keccak256(pubBytes[1:]))
	return id
}

// Identity encapsulates the persistent signing material of the local node.
type Identity struct {
	PrivateKey *crypto.PrivateKey
	NodeID     NodeID
	Wallet     crypto.Address
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// NewIdentity wraps an already-loaded private key.
func NewIdentity(priv *crypto.PrivateKey) (*Identity, error) {
	if priv == nil {
		return nil, errors.New("mesh: nil private key")
	}
	pub := priv.PubKey()
	return &Identity{
		PrivateKey: priv,
		NodeID:     DeriveNodeID(pub),
		Wallet:     pub.Address(),
	}, nil
}

// LoadOrCreateIdentity reads a secp256k1 private key from disk, generating one
// on first run. The key file is JSON with a hex-encoded private key; bare hex
// files from earlier versions are still accepted.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("mesh: identity path must be provided")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	privKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	encoded := identityDisk{PrivateKey: hex.EncodeToString(privKey.Bytes())}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return NewIdentity(privKey)
}

// LoadOrCreateEncryptedIdentity behaves like LoadOrCreateIdentity but keeps
// the key material in an encrypted keystore file guarded by the passphrase.
func LoadOrCreateEncryptedIdentity(path, passphrase string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("mesh: identity path must be provided")
	}
	if _, err := os.Stat(path); err == nil {
		privKey, err := crypto.LoadFromKeystore(path, passphrase)
		if err != nil {
			return nil, err
		}
		return NewIdentity(privKey)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat identity keystore: %w", err)
	}
	privKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := crypto.SaveToKeystore(path, privKey, passphrase); err != nil {
		return nil, err
	}
	return NewIdentity(privKey)
}

func decodeIdentity(data []byte) (*Identity, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("mesh: identity file empty")
	}
	// Accept both raw hex and JSON for forwards compatibility.
	if data[0] != '{' {
		keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode legacy identity: %w", err)
		}
		privKey, err := crypto.PrivateKeyFromBytes(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse legacy identity key: %w", err)
		}
		return NewIdentity(privKey)
	}

	var stored identityDisk
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode identity JSON: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(stored.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	privKey, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return NewIdentity(privKey)
}
