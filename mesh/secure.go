package mesh

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"walletmesh/crypto"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	ecdhDomain    = "wm-mesh|ecdh|v1"
	channelDomain = "wm-mesh|channel|v1"
)

// SecureChannel provides point-to-point privacy on top of the signed gossip
// envelopes. Both endpoints derive identical keys from the static
// Diffie-Hellman secret, so a channel built by either side opens the other's
// boxes. Close wipes the key material; a closed channel refuses all work.
type SecureChannel struct {
	localID     NodeID
	remoteID    NodeID
	fingerprint string

	mu        sync.Mutex
	key       [chacha20poly1305.KeySize]byte
	aead      cipher.AEAD
	destroyed bool
}

// DeriveSecureChannel computes the shared secret between the local identity
// and the peer's public key, then domain-separates it twice: once into the
// channel secret, once into the symmetric encryption key.
func DeriveSecureChannel(local *Identity, remotePub *crypto.PublicKey) (*SecureChannel, error) {
	if local == nil || local.PrivateKey == nil {
		return nil, errors.New("mesh: local identity required")
	}
	if remotePub == nil || remotePub.PublicKey == nil {
		return nil, errors.New("mesh: remote public key required")
	}
	remoteID := DeriveNodeID(remotePub)
	if remoteID == local.NodeID {
		return nil, ErrSelfPeer
	}

	priv := ecies.ImportECDSA(local.PrivateKey.PrivateKey)
	pub := ecies.ImportECDSAPublic(remotePub.PublicKey)
	shared, err := priv.GenerateShared(pub, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("mesh: ecdh agreement: %w", err)
	}
	secret := ethcrypto.Keccak256([]byte(ecdhDomain), shared)
	zeroBytes(shared)
	key := ethcrypto.Keccak256([]byte(channelDomain), secret)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		zeroBytes(secret)
		zeroBytes(key)
		return nil, fmt.Errorf("mesh: channel cipher: %w", err)
	}

	ch := &SecureChannel{
		localID:     local.NodeID,
		remoteID:    remoteID,
		fingerprint: hex.EncodeToString(secret[:8]),
		aead:        aead,
	}
	copy(ch.key[:], key)
	zeroBytes(secret)
	zeroBytes(key)
	return ch, nil
}

// RemoteID returns the peer this channel is keyed to.
func (c *SecureChannel) RemoteID() NodeID {
	return c.remoteID
}

// Fingerprint returns a short secret-derived tag. Both endpoints compute the
// same value, which makes it useful for log correlation and out-of-band
// channel comparison without exposing the key.
func (c *SecureChannel) Fingerprint() string {
	return c.fingerprint
}

// Seal encrypts the plaintext, binding the additional data. The returned box
// is the random 24-byte nonce followed by the ciphertext.
func (c *SecureChannel) Seal(plaintext, aad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, errors.New("mesh: secure channel closed")
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mesh: channel nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a box produced by the peer's Seal with the same additional
// data.
func (c *SecureChannel) Open(box, aad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, errors.New("mesh: secure channel closed")
	}
	if len(box) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("mesh: sealed box too short")
	}
	nonce, ciphertext := box[:chacha20poly1305.NonceSizeX], box[chacha20poly1305.NonceSizeX:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("mesh: open sealed box: %w", err)
	}
	return plain, nil
}

// Close wipes the channel key. Safe to call more than once.
func (c *SecureChannel) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	zeroBytes(c.key[:])
	c.aead = nil
	c.destroyed = true
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
