package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *meshMetrics
)

type meshMetrics struct {
	peerReputation *prometheus.GaugeVec
	peerLatency    *prometheus.GaugeVec
	connectedPeers prometheus.Gauge
	gossip         *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	fanout         prometheus.Histogram

	meter         metric.Meter
	gossipCounter metric.Int64Counter
	dropCounter   metric.Int64Counter
	latencyHist   metric.Float64Histogram
}

func newMeshMetrics() *meshMetrics {
	metricsInitOnce.Do(func() {
		mm := &meshMetrics{
			peerReputation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "walletmesh_mesh_peer_reputation",
				Help: "Bounded reputation score per peer.",
			}, []string{"peer"}),
			peerLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "walletmesh_mesh_peer_latency_ms",
				Help: "Latency exponential moving average per peer.",
			}, []string{"peer"}),
			connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "walletmesh_mesh_connected_peers",
				Help: "Number of peers with a live session.",
			}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "walletmesh_mesh_gossip_messages_total",
				Help: "Count of gossip/control messages by direction and type.",
			}, []string{"direction", "type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "walletmesh_mesh_dropped_messages_total",
				Help: "Count of inbound envelopes dropped before dispatch, by reason.",
			}, []string{"reason"}),
			fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "walletmesh_mesh_fanout_peers",
				Help:    "Distribution of peers selected per gossip round.",
				Buckets: prometheus.LinearBuckets(0, 1, 10),
			}),
		}
		prometheus.MustRegister(mm.peerReputation, mm.peerLatency, mm.connectedPeers, mm.gossip, mm.dropped, mm.fanout)
		mm.initMeter()
		sharedMetrics = mm
	})
	return sharedMetrics
}

func (m *meshMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("walletmesh/mesh")
	gossipCounter, err := meter.Int64Counter("walletmesh.mesh.gossip")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("walletmesh/mesh")
		gossipCounter, _ = fallback.Int64Counter("walletmesh.mesh.gossip")
		meter = fallback
	}
	dropCounter, err := meter.Int64Counter("walletmesh.mesh.dropped")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("walletmesh/mesh")
		dropCounter, _ = fallback.Int64Counter("walletmesh.mesh.dropped")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("walletmesh.mesh.latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("walletmesh/mesh")
		latency, _ = fallback.Float64Histogram("walletmesh.mesh.latency_ms")
		meter = fallback
	}
	m.meter = meter
	m.gossipCounter = gossipCounter
	m.dropCounter = dropCounter
	m.latencyHist = latency
}

func (m *meshMetrics) observePeer(peerID string, info PeerInfo) {
	if m == nil || peerID == "" {
		return
	}
	m.peerReputation.WithLabelValues(peerID).Set(float64(info.Reputation))
	m.peerLatency.WithLabelValues(peerID).Set(info.LatencyMS)
	if m.latencyHist != nil && info.LatencyMS > 0 {
		m.latencyHist.Record(
			metricsContext(),
			info.LatencyMS,
			metric.WithAttributes(attribute.String("peer", peerID)),
		)
	}
}

func (m *meshMetrics) setConnected(n int) {
	if m == nil {
		return
	}
	m.connectedPeers.Set(float64(n))
}

func (m *meshMetrics) recordGossip(direction string, msgType MsgType) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("0x%02x", byte(msgType))
	if direction == "" {
		direction = "unknown"
	}
	m.gossip.WithLabelValues(direction, label).Inc()
	if m.gossipCounter != nil {
		m.gossipCounter.Add(
			metricsContext(),
			1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("type", label),
			),
		)
	}
}

func (m *meshMetrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.dropped.WithLabelValues(reason).Inc()
	if m.dropCounter != nil {
		m.dropCounter.Add(
			metricsContext(),
			1,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}

func (m *meshMetrics) observeFanout(n int) {
	if m == nil {
		return
	}
	m.fanout.Observe(float64(n))
}

func (m *meshMetrics) removePeer(peerID string) {
	if m == nil || peerID == "" {
		return
	}
	m.peerReputation.DeleteLabelValues(peerID)
	m.peerLatency.DeleteLabelValues(peerID)
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func metricsContext() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}
