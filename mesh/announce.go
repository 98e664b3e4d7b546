package mesh

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"walletmesh/crypto"
)

// Announcement is the PEER_DISCOVERY payload: everything another node needs
// to dial us and verify who answered. Peer-exchange responses carry the same
// shape for third parties.
type Announcement struct {
	NodeID    string `json:"nodeId"`
	PublicKey string `json:"publicKey"`
	Transport string `json:"transport"`
	Address   string `json:"address"`
	Wallet    string `json:"wallet,omitempty"`
}

// ToPeerInfo validates the announcement and converts it to a registry entry.
// The public key must hash to the claimed node id, otherwise third parties
// could advertise endpoints under someone else's identity.
func (a Announcement) ToPeerInfo() (PeerInfo, error) {
	id, err := ParseNodeID(a.NodeID)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("mesh: announcement node id: %w", err)
	}
	info := PeerInfo{
		ID:        id,
		Transport: a.Transport,
		Address:   a.Address,
		Wallet:    a.Wallet,
	}
	if a.PublicKey != "" {
		raw, err := hex.DecodeString(a.PublicKey)
		if err != nil {
			return PeerInfo{}, fmt.Errorf("mesh: announcement public key: %w", err)
		}
		pub, err := crypto.PublicKeyFromBytes(raw)
		if err != nil {
			return PeerInfo{}, fmt.Errorf("mesh: announcement public key: %w", err)
		}
		if DeriveNodeID(pub) != id {
			return PeerInfo{}, fmt.Errorf("%w: announcement key does not match node id", ErrInvalidEnvelope)
		}
		info.PublicKey = pub
	}
	return info, nil
}

// AnnouncementFromPeer renders a registry entry as a gossipable announcement.
func AnnouncementFromPeer(info PeerInfo) Announcement {
	a := Announcement{
		NodeID:    info.ID.String(),
		Transport: info.Transport,
		Address:   info.Address,
		Wallet:    info.Wallet,
	}
	if info.PublicKey != nil {
		a.PublicKey = hex.EncodeToString(info.PublicKey.Bytes())
	}
	return a
}

// PeerRequest asks a connected peer for a slice of its peer table.
type PeerRequest struct {
	Limit int `json:"limit"`
}

// PeerResponse answers a PeerRequest with known-good peers.
type PeerResponse struct {
	Peers []Announcement `json:"peers"`
}

// HealthStatus is the HEALTH_CHECK heartbeat payload.
type HealthStatus struct {
	UptimeSeconds  int64     `json:"uptimeSeconds"`
	ConnectedPeers int       `json:"connectedPeers"`
	QueueDepth     int       `json:"queueDepth,omitempty"`
	SentAt         time.Time `json:"sentAt"`
}

// BlockSyncNotice rides in BLOCK_SYNC envelopes and tells offline wallets
// which of their broadcasted transactions landed on a chain.
type BlockSyncNotice struct {
	ChainID   string   `json:"chainId"`
	Height    uint64   `json:"height,omitempty"`
	Confirmed []string `json:"confirmed"`
}

// EncodePayload serialises a control payload for envelope embedding.
func EncodePayload(v any) ([]byte, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode payload: %w", err)
	}
	return blob, nil
}

// DecodePayload parses a control payload out of an envelope.
func DecodePayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
