package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as metric labels.
const (
	DropMalformed     = "malformed"
	DropUnknownDevice = "unknown_device"
	DropAuthFailed    = "auth_failed"
	DropKeyExpired    = "key_expired"
	DropReplay        = "replay"
	DropUnparseable   = "unparseable"
)

// Metrics exposes the gateway's counters on a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	Received  prometheus.Counter
	Validated prometheus.Counter
	Dropped   *prometheus.CounterVec
	Forwarded prometheus.Counter
	Cached    prometheus.Counter
	Flushes   prometheus.Counter
	Devices   prometheus.Gauge

	nodeID    string
	startedAt time.Time

	mu        sync.Mutex
	lastError string
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberlink_packets_received_total",
			Help: "Packets arriving on any channel.",
		}),
		Validated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberlink_packets_validated_total",
			Help: "Packets that passed decode, decrypt and replay checks.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emberlink_packets_dropped_total",
			Help: "Packets dropped during validation, by reason.",
		}, []string{"reason"}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberlink_results_forwarded_total",
			Help: "Results delivered to the upstream sink.",
		}),
		Cached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberlink_results_cached_total",
			Help: "Results written to the durable cache.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emberlink_cache_flushes_total",
			Help: "Cache flush passes attempted.",
		}),
		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emberlink_connected_devices",
			Help: "Devices with a live peer record.",
		}),
		nodeID:    uuid.NewString(),
		startedAt: time.Now(),
	}

	m.registry.MustRegister(m.Received, m.Validated, m.Dropped,
		m.Forwarded, m.Cached, m.Flushes, m.Devices)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Drop counts one dropped packet and remembers the reason as last error.
func (m *Metrics) Drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.lastError = reason
	m.mu.Unlock()
}

// Status is a point-in-time health summary.
type Status struct {
	NodeID     string        `json:"node_id"`
	Devices    int           `json:"devices"`
	CacheDepth int           `json:"cache_depth"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// Snapshot assembles a Status from live counts.
func (m *Metrics) Snapshot(devices, cacheDepth int) Status {
	m.mu.Lock()
	lastError := m.lastError
	m.mu.Unlock()

	return Status{
		NodeID:     m.nodeID,
		Devices:    devices,
		CacheDepth: cacheDepth,
		LastError:  lastError,
		Uptime:     time.Since(m.startedAt),
	}
}
