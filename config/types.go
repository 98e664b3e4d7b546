package config

import (
	"time"

	"walletmesh/observability/logging"
	"walletmesh/observability/otel"
)

// Mesh tunes the peer registry and the gossip engine. Interval knobs are
// expressed in seconds so they stay flat in TOML and YAML alike.
type Mesh struct {
	MaxPeers          int     `yaml:"max_peers"`
	InitialReputation int     `yaml:"initial_reputation"`
	SuccessDelta      int     `yaml:"success_delta"`
	FailureDelta      int     `yaml:"failure_delta"`
	StaleAfterSecs    uint64  `yaml:"stale_after_seconds"`
	TTL               uint    `yaml:"ttl"`
	Fanout            int     `yaml:"fanout"`
	AnnounceSecs      uint64  `yaml:"announce_seconds"`
	HealthSecs        uint64  `yaml:"health_seconds"`
	SweepSecs         uint64  `yaml:"sweep_seconds"`
	MaintainSecs      uint64  `yaml:"maintain_seconds"`
	SendTimeoutSecs   uint64  `yaml:"send_timeout_seconds"`
	TargetConnected   int     `yaml:"target_connected"`
	SeenCacheSize     int     `yaml:"seen_cache_size"`
	SeenCacheTTLSecs  uint64  `yaml:"seen_cache_ttl_seconds"`
	InboundRate       float64 `yaml:"inbound_rate"`
	InboundBurst      int     `yaml:"inbound_burst"`
}

func (m *Mesh) normalize() {
	if m.MaxPeers <= 0 {
		m.MaxPeers = 20
	}
	if m.InitialReputation <= 0 {
		m.InitialReputation = 50
	}
	if m.SuccessDelta <= 0 {
		m.SuccessDelta = 1
	}
	if m.FailureDelta <= 0 {
		m.FailureDelta = 10
	}
	if m.StaleAfterSecs == 0 {
		m.StaleAfterSecs = 300
	}
	if m.TTL == 0 {
		m.TTL = 10
	}
	if m.Fanout <= 0 {
		m.Fanout = 4
	}
	if m.AnnounceSecs == 0 {
		m.AnnounceSecs = 30
	}
	if m.HealthSecs == 0 {
		m.HealthSecs = 60
	}
	if m.SweepSecs == 0 {
		m.SweepSecs = 60
	}
	if m.MaintainSecs == 0 {
		m.MaintainSecs = 15
	}
	if m.SendTimeoutSecs == 0 {
		m.SendTimeoutSecs = 5
	}
	if m.TargetConnected <= 0 {
		m.TargetConnected = 8
	}
	if m.SeenCacheSize <= 0 {
		m.SeenCacheSize = 10000
	}
	if m.SeenCacheTTLSecs == 0 {
		m.SeenCacheTTLSecs = 600
	}
	if m.InboundRate <= 0 {
		m.InboundRate = 20
	}
	if m.InboundBurst <= 0 {
		m.InboundBurst = 40
	}
}

// StaleAfter returns the idle window after which a connected peer is marked stale.
func (m Mesh) StaleAfter() time.Duration { return time.Duration(m.StaleAfterSecs) * time.Second }

// AnnounceInterval returns the cadence of self-announcements.
func (m Mesh) AnnounceInterval() time.Duration { return time.Duration(m.AnnounceSecs) * time.Second }

// HealthInterval returns the cadence of health beacons.
func (m Mesh) HealthInterval() time.Duration { return time.Duration(m.HealthSecs) * time.Second }

// SweepInterval returns the cadence of registry stale sweeps.
func (m Mesh) SweepInterval() time.Duration { return time.Duration(m.SweepSecs) * time.Second }

// MaintainInterval returns the cadence of connection maintenance rounds.
func (m Mesh) MaintainInterval() time.Duration { return time.Duration(m.MaintainSecs) * time.Second }

// SendTimeout returns the per-frame send deadline.
func (m Mesh) SendTimeout() time.Duration { return time.Duration(m.SendTimeoutSecs) * time.Second }

// SeenCacheTTL returns how long message IDs are remembered for deduplication.
func (m Mesh) SeenCacheTTL() time.Duration { return time.Duration(m.SeenCacheTTLSecs) * time.Second }

// Queue tunes the offline transaction queue.
type Queue struct {
	SweepSecs        uint64 `yaml:"sweep_seconds"`
	MaxAttempts      int    `yaml:"max_attempts"`
	ArchiveDir       string `yaml:"archive_dir"`
	ArchiveKeepHours uint64 `yaml:"archive_keep_hours"`
}

func (q *Queue) normalize() {
	if q.SweepSecs == 0 {
		q.SweepSecs = 30
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if q.ArchiveKeepHours == 0 {
		q.ArchiveKeepHours = 24
	}
}

// SweepInterval returns the cadence of broadcast sweeps over signed entries.
func (q Queue) SweepInterval() time.Duration { return time.Duration(q.SweepSecs) * time.Second }

// ArchiveKeepFor returns how long terminal entries stay in the queue before
// they are eligible for parquet archival.
func (q Queue) ArchiveKeepFor() time.Duration {
	return time.Duration(q.ArchiveKeepHours) * time.Hour
}

// Transport configures the websocket transport and peer seeding.
type Transport struct {
	ListenAddress    string   `yaml:"listen"`
	AdvertiseAddress string   `yaml:"advertise"`
	Bootstrap        []string `yaml:"bootstrap"`
	SeedsFile        string   `yaml:"seeds_file"`
	SeedServer       string   `yaml:"seed_server"`
	MaxFrameBytes    int64    `yaml:"max_frame_bytes"`
}

func (t *Transport) normalize() {
	if t.Bootstrap == nil {
		t.Bootstrap = []string{}
	}
}

// Logging selects the log environment and optional file rotation.
type Logging struct {
	Environment string `yaml:"environment"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

func (l *Logging) normalize() {
	if l.Environment == "" {
		l.Environment = "development"
	}
}

// Rotation returns the file rotation settings, or nil when logs go to stdout only.
func (l Logging) Rotation() *logging.FileRotation {
	if l.File == "" {
		return nil
	}
	return &logging.FileRotation{
		Path:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Options expands the section into an exporter configuration for otel.Init.
func (t Telemetry) Options(service, environment string) otel.Config {
	return otel.Config{
		ServiceName: service,
		Environment: environment,
		Endpoint:    t.Endpoint,
		Insecure:    t.Insecure,
		Headers:     otel.ParseHeaders(t.Headers),
		Metrics:     t.Metrics,
		Traces:      t.Traces,
	}
}
