package seeds

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

const (
	recordPrefix              = "wmseed:v1:"
	defaultLookupPrefix       = "_wmseed."
	defaultRefreshInterval    = 15 * time.Minute
	supportedDirectoryVersion = 1
)

var errEmptyDirectory = errors.New("seeds: directory payload must not be empty")

// Directory is the bootstrap seed document a node ships with. It lists DNS
// authorities allowed to publish signed seed records plus static fallback
// entries for when every authority is unreachable.
type Directory struct {
	Version        int            `json:"version"`
	RefreshSeconds int            `json:"refreshSeconds,omitempty"`
	Authorities    []Authority    `json:"authorities"`
	StaticSeeds    []StaticRecord `json:"static"`
}

// Authority describes a DNS zone whose TXT records carry seed entries signed
// with the listed ed25519 key.
type Authority struct {
	Domain    string `json:"domain"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
	Lookup    string `json:"lookup,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// StaticRecord is a seed entry bundled with the directory itself.
type StaticRecord struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	Transport string `json:"transport,omitempty"`
	Source    string `json:"source,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
}

// ResolvedSeed is a validated bootstrap entry from either a DNS authority or
// the static section.
type ResolvedSeed struct {
	NodeID    string
	Address   string
	Transport string
	Source    string
	NotBefore int64
	NotAfter  int64
}

// Active reports whether the seed is live at the supplied time.
func (s ResolvedSeed) Active(now time.Time) bool {
	if s.NotBefore > 0 && now.Unix() < s.NotBefore {
		return false
	}
	if s.NotAfter > 0 && now.Unix() > s.NotAfter {
		return false
	}
	return true
}

// Load reads and parses a seed directory from disk.
func Load(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seeds: read directory: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Directory from a JSON payload.
func Parse(raw []byte) (*Directory, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errEmptyDirectory
	}
	var dir Directory
	if err := json.Unmarshal([]byte(trimmed), &dir); err != nil {
		return nil, fmt.Errorf("seeds: invalid JSON payload: %w", err)
	}
	if dir.Version == 0 {
		dir.Version = supportedDirectoryVersion
	}
	if dir.Version != supportedDirectoryVersion {
		return nil, fmt.Errorf("seeds: unsupported version %d", dir.Version)
	}
	for i := range dir.Authorities {
		if err := dir.Authorities[i].validate(); err != nil {
			return nil, fmt.Errorf("seeds: authority #%d: %w", i+1, err)
		}
	}
	for i := range dir.StaticSeeds {
		if err := dir.StaticSeeds[i].validate(); err != nil {
			return nil, fmt.Errorf("seeds: static seed #%d: %w", i+1, err)
		}
	}
	return &dir, nil
}

// RefreshInterval returns the cadence at which DNS authorities should be
// re-polled.
func (d *Directory) RefreshInterval() time.Duration {
	if d == nil || d.RefreshSeconds <= 0 {
		return defaultRefreshInterval
	}
	return time.Duration(d.RefreshSeconds) * time.Second
}

// Static returns the static fallback entries currently active.
func (d *Directory) Static(now time.Time) []ResolvedSeed {
	if d == nil {
		return nil
	}
	results := make([]ResolvedSeed, 0, len(d.StaticSeeds))
	for _, entry := range d.StaticSeeds {
		seed, err := entry.toSeed()
		if err != nil {
			continue
		}
		if !seed.Active(now) {
			continue
		}
		results = append(results, seed)
	}
	return dedupeSeeds(results)
}

// Resolve queries every active DNS authority and returns the verified seed
// records together with the static fallbacks. Lookup failures do not suppress
// results from other sources; they are collected into the returned error.
func (d *Directory) Resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	if d == nil {
		return nil, nil
	}
	results := d.Static(now)
	if len(d.Authorities) == 0 {
		return results, nil
	}
	if resolver == nil {
		resolver = DefaultResolver()
	}
	var errs []error
	for _, auth := range d.Authorities {
		if !auth.active(now) {
			continue
		}
		found, err := auth.resolve(ctx, now, resolver)
		if len(found) > 0 {
			results = append(results, found...)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	results = dedupeSeeds(results)
	if len(errs) > 0 {
		return results, errors.Join(errs...)
	}
	return results, nil
}

func (a Authority) validate() error {
	if strings.TrimSpace(a.Domain) == "" {
		return errors.New("domain must not be empty")
	}
	algo := strings.ToLower(strings.TrimSpace(a.Algorithm))
	if algo != "" && algo != "ed25519" {
		return fmt.Errorf("unsupported algorithm %q", a.Algorithm)
	}
	if _, err := a.decodePublicKey(); err != nil {
		return err
	}
	if a.NotAfter > 0 && a.NotBefore > 0 && a.NotAfter < a.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

func (a Authority) active(now time.Time) bool {
	if a.NotBefore > 0 && now.Unix() < a.NotBefore {
		return false
	}
	if a.NotAfter > 0 && now.Unix() > a.NotAfter {
		return false
	}
	return true
}

func (a Authority) resolve(ctx context.Context, now time.Time, resolver Resolver) ([]ResolvedSeed, error) {
	name := strings.TrimSpace(a.Lookup)
	if name == "" {
		name = defaultLookupPrefix + strings.TrimSpace(a.Domain)
	}
	txtRecords, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dns %s lookup failed: %w", name, err)
	}
	pubKey, err := a.decodePublicKey()
	if err != nil {
		return nil, err
	}
	found := make([]ResolvedSeed, 0, len(txtRecords))
	var errs []error
	for _, record := range txtRecords {
		seed, err := a.parseTXT(record, pubKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s invalid record: %w", name, err))
			continue
		}
		if !seed.Active(now) {
			continue
		}
		found = append(found, seed)
	}
	found = dedupeSeeds(found)
	if len(errs) > 0 {
		return found, errors.Join(errs...)
	}
	return found, nil
}

func (a Authority) decodePublicKey() ([]byte, error) {
	trimmed := strings.TrimSpace(a.PublicKey)
	if trimmed == "" {
		return nil, errors.New("publicKey must not be empty")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid publicKey encoding: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("publicKey must be %d bytes", ed25519.PublicKeySize)
	}
	return keyBytes, nil
}

func (a Authority) parseTXT(record string, publicKey []byte) (ResolvedSeed, error) {
	trimmed := strings.TrimSpace(record)
	if trimmed == "" {
		return ResolvedSeed{}, errors.New("empty TXT record")
	}
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return ResolvedSeed{}, fmt.Errorf("record missing prefix %q", recordPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, recordPrefix))
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("base64 decode: %w", err)
	}
	var entry dnsRecord
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid JSON payload: %w", err)
	}
	return entry.toSeed(strings.TrimSpace(a.Domain), publicKey)
}

func (s StaticRecord) toSeed() (ResolvedSeed, error) {
	if err := s.validate(); err != nil {
		return ResolvedSeed{}, err
	}
	addr := strings.TrimSpace(s.Address)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	source := strings.TrimSpace(s.Source)
	if source == "" {
		source = "static"
	}
	return ResolvedSeed{
		NodeID:    normalizeNodeID(s.NodeID),
		Address:   addr,
		Transport: strings.TrimSpace(s.Transport),
		Source:    source,
		NotBefore: s.NotBefore,
		NotAfter:  s.NotAfter,
	}, nil
}

func (s StaticRecord) validate() error {
	if strings.TrimSpace(s.NodeID) == "" {
		return errors.New("nodeId must not be empty")
	}
	if strings.TrimSpace(s.Address) == "" {
		return errors.New("address must not be empty")
	}
	if s.NotAfter > 0 && s.NotBefore > 0 && s.NotAfter < s.NotBefore {
		return errors.New("notAfter must be >= notBefore")
	}
	return nil
}

type dnsRecord struct {
	NodeID    string `json:"nodeId"`
	Address   string `json:"address"`
	Transport string `json:"transport,omitempty"`
	NotBefore int64  `json:"notBefore,omitempty"`
	NotAfter  int64  `json:"notAfter,omitempty"`
	Signature string `json:"signature"`
}

func (r dnsRecord) toSeed(domain string, publicKey []byte) (ResolvedSeed, error) {
	nodeID := normalizeNodeID(r.NodeID)
	if nodeID == "" {
		return ResolvedSeed{}, errors.New("nodeId must not be empty")
	}
	addr := strings.TrimSpace(r.Address)
	if addr == "" {
		return ResolvedSeed{}, errors.New("address must not be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	transport := strings.TrimSpace(r.Transport)
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Signature))
	if err != nil {
		return ResolvedSeed{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return ResolvedSeed{}, fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
	}
	message := SigningMessage(nodeID, addr, transport, r.NotBefore, r.NotAfter, domain)
	if !ed25519.Verify(publicKey, message, sig) {
		return ResolvedSeed{}, errors.New("signature verification failed")
	}
	return ResolvedSeed{
		NodeID:    nodeID,
		Address:   addr,
		Transport: transport,
		Source:    "dns:" + domain,
		NotBefore: r.NotBefore,
		NotAfter:  r.NotAfter,
	}, nil
}

// SigningMessage is the canonical byte string an authority signs for one seed
// record. Publishing tools must build the identical message.
func SigningMessage(nodeID, addr, transport string, notBefore, notAfter int64, domain string) []byte {
	normalizedDomain := strings.ToLower(strings.TrimSpace(domain))
	var b strings.Builder
	b.Grow(len(nodeID) + len(addr) + len(transport) + len(normalizedDomain) + 48)
	b.WriteString(nodeID)
	b.WriteString("\n")
	b.WriteString(addr)
	b.WriteString("\n")
	b.WriteString(transport)
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d\n%d\n", notBefore, notAfter)
	b.WriteString(normalizedDomain)
	return []byte(b.String())
}

func normalizeNodeID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		trimmed = "0x" + trimmed
	}
	return strings.ToLower(trimmed)
}

func dedupeSeeds(in []ResolvedSeed) []ResolvedSeed {
	if len(in) <= 1 {
		return append([]ResolvedSeed(nil), in...)
	}
	seen := make(map[string]struct{}, len(in))
	result := make([]ResolvedSeed, 0, len(in))
	for _, seed := range in {
		key := seed.NodeID + "@" + seed.Address
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, seed)
	}
	return result
}
