// Package gateway receives encrypted packets from device agents over UDP
// and WebSocket, validates them, acknowledges them, and moves the results
// upstream, caching durably whenever upstream is down.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberlink/emberlink/internal/packet"
	"github.com/emberlink/emberlink/internal/secure"
	"github.com/emberlink/emberlink/pkg/types"
)

const (
	udpReadBufferSize = 2048
	shutdownGrace     = 5 * time.Second
)

// Config holds the gateway's runtime settings.
type Config struct {
	UDPAddr        string
	WSAddr         string
	MetricsAddr    string
	KeysDir        string
	KeyGrace       time.Duration
	PeerTTL        time.Duration
	CacheRetention time.Duration
	FlushEvery     time.Duration
	SweepEvery     time.Duration
}

// Gateway is the receiver process. It owns the peer registry, the durable
// cache and the upstream sink; listeners feed every arriving packet into
// handlePacket.
type Gateway struct {
	cfg      Config
	registry *Registry
	cache    *Cache
	sink     Sink
	metrics  *Metrics
	log      *slog.Logger

	// degraded marks devices whose results are currently routed through
	// the cache so ordering survives an upstream outage.
	mu       sync.Mutex
	degraded map[string]bool

	upgrader websocket.Upgrader
}

// New assembles a gateway. sink may be nil, in which case every result is
// cached and nothing is ever forwarded.
func New(cfg Config, cache *Cache, sink Sink, log *slog.Logger) *Gateway {
	if cfg.KeyGrace <= 0 {
		cfg.KeyGrace = 2 * time.Minute
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = 24 * time.Hour
	}
	if cfg.CacheRetention <= 0 {
		cfg.CacheRetention = 7 * 24 * time.Hour
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 10 * time.Second
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		cfg:      cfg,
		registry: NewRegistry(log),
		cache:    cache,
		sink:     sink,
		metrics:  NewMetrics(),
		log:      log,
		degraded: make(map[string]bool),
	}
}

// Registry exposes the peer registry, used by provisioning.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Ingest validates one raw packet and returns the reply to send back, or
// nil. Embedders with their own listeners feed packets through here; the
// built-in UDP and WebSocket listeners use the same path.
func (g *Gateway) Ingest(data []byte) []byte {
	return g.handlePacket(data)
}

// Flush drains pending cached results immediately instead of waiting for
// the background loop.
func (g *Gateway) Flush(ctx context.Context) {
	g.flush(ctx)
}

// Run starts the listeners and background loops, blocking until the
// context is canceled, then drains the flush path under a hard deadline.
func (g *Gateway) Run(ctx context.Context) error {
	keys := NewKeyWatcher(g.cfg.KeysDir, g.cfg.KeyGrace, g.registry, g.log)
	if err := keys.LoadAll(); err != nil {
		return fmt.Errorf("loading device keys: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", mustUDPAddr(g.cfg.UDPAddr))
	if err != nil {
		return fmt.Errorf("udp listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealthz)
	wsServer := &http.Server{Addr: g.cfg.WSAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", g.metrics.Handler())
	metricsServer := &http.Server{Addr: g.cfg.MetricsAddr, Handler: metricsMux}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.udpLoop(udpConn)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("websocket server failed", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("metrics server failed", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := keys.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.log.Error("key watcher failed", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		g.backgroundLoop(ctx)
	}()

	g.log.Info("gateway started",
		"udp", g.cfg.UDPAddr, "ws", g.cfg.WSAddr, "metrics", g.cfg.MetricsAddr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	udpConn.Close()
	wsServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	// Best-effort final drain of cached results.
	g.flush(shutdownCtx)

	wg.Wait()
	g.log.Info("gateway stopped")
	return ctx.Err()
}

func (g *Gateway) udpLoop(conn *net.UDPConn) {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		if reply := g.handlePacket(data); reply != nil {
			if _, err := conn.WriteToUDP(reply, addr); err != nil {
				g.log.Debug("udp ack failed", "addr", addr, "error", err)
			}
		}
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if reply := g.handlePacket(data); reply != nil {
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if g.cache != nil {
		depth, _ = g.cache.Depth()
	}
	status := g.metrics.Snapshot(g.registry.Count(), depth)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handlePacket validates one packet and returns the ack to send back on
// the arrival path, or nil when the packet is dropped or needs no reply.
// The gateway never retransmits; recovery is the sender's job.
func (g *Gateway) handlePacket(data []byte) []byte {
	g.metrics.Received.Inc()

	p, err := packet.Decode(data)
	if err != nil {
		g.metrics.Drop(DropMalformed)
		g.log.Debug("dropping malformed packet", "error", err)
		return nil
	}

	record, err := g.registry.Lookup(p.DeviceID)
	if err != nil {
		g.metrics.Drop(DropUnknownDevice)
		g.log.Debug("dropping packet from unknown device", "device", p.DeviceID)
		return nil
	}

	plaintext, err := record.Box.Decrypt(p.Payload)
	if err != nil {
		g.registry.NoteError(record)
		if errors.Is(err, secure.ErrKeyExpired) {
			g.metrics.Drop(DropKeyExpired)
		} else {
			g.metrics.Drop(DropAuthFailed)
		}
		g.log.Warn("dropping unauthenticated packet", "device", p.DeviceID, "error", err)
		return nil
	}

	if err := g.registry.Accept(record, p.Sequence); err != nil {
		g.metrics.Drop(DropReplay)
		g.log.Warn("dropping replayed packet", "device", p.DeviceID, "seq", p.Sequence)
		return nil
	}
	g.metrics.Validated.Inc()
	g.metrics.Devices.Set(float64(g.registry.Count()))

	switch p.Type {
	case packet.TypeResult, packet.TypeAlert:
		g.handleResult(p, plaintext)
		return g.ack(p.Sequence)

	case packet.TypeHealth:
		g.handleHealth(p, plaintext)
		return g.ack(p.Sequence)

	default:
		return nil
	}
}

func (g *Gateway) handleResult(p *packet.Packet, plaintext []byte) {
	var reading types.Reading
	if err := json.Unmarshal(plaintext, &reading); err != nil {
		g.metrics.Drop(DropUnparseable)
		g.log.Warn("discarding unparseable reading", "device", p.DeviceID, "error", err)
		return
	}

	result := &types.Result{
		DeviceID:   p.DeviceID,
		Sequence:   p.Sequence,
		Reading:    reading,
		ReceivedAt: time.Now().UnixMilli(),
	}

	if p.Type == packet.TypeAlert {
		g.log.Warn("alert received",
			"device", p.DeviceID, "label", reading.Label, "intensity", reading.Intensity)
	}

	g.forward(result)
}

// forward delivers one result upstream, or routes it through the cache
// while the device is degraded so per-device order holds. The degraded
// check and the cache append happen under one lock, so a result arriving
// while a flush drains the device cannot slip past the drain.
func (g *Gateway) forward(result *types.Result) {
	g.mu.Lock()
	if g.sink == nil || g.degraded[result.DeviceID] {
		g.cacheLocked(result)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.sink.Deliver(ctx, result); err != nil {
		g.log.Warn("upstream delivery failed, caching",
			"device", result.DeviceID, "seq", result.Sequence, "error", err)
		g.mu.Lock()
		g.degraded[result.DeviceID] = true
		g.cacheLocked(result)
		g.mu.Unlock()
		return
	}
	g.metrics.Forwarded.Inc()
}

// cacheLocked appends one result to the durable cache. Callers hold g.mu.
func (g *Gateway) cacheLocked(result *types.Result) {
	if g.cache == nil {
		g.log.Error("result lost: no cache configured",
			"device", result.DeviceID, "seq", result.Sequence)
		return
	}
	if err := g.cache.Append(result); err != nil {
		g.log.Error("caching result failed",
			"device", result.DeviceID, "seq", result.Sequence, "error", err)
		return
	}
	g.metrics.Cached.Inc()
}

func (g *Gateway) handleHealth(p *packet.Packet, plaintext []byte) {
	var report map[string]any
	if err := json.Unmarshal(plaintext, &report); err != nil {
		g.metrics.Drop(DropUnparseable)
		g.log.Debug("discarding unparseable health report", "device", p.DeviceID)
		return
	}
	g.log.Info("device health",
		"device", p.DeviceID,
		"battery", report["battery"],
		"queue_depth", report["queue_depth"])
}

func (g *Gateway) ack(seq uint64) []byte {
	data, err := packet.Encode(&packet.Packet{
		Version:   packet.Version,
		Type:      packet.TypeAck,
		DeviceID:  packet.GatewayID,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  seq,
	})
	if err != nil {
		return nil
	}
	return data
}

// backgroundLoop drives cache flushes, peer eviction and cache cleanup.
func (g *Gateway) backgroundLoop(ctx context.Context) {
	flushTicker := time.NewTicker(g.cfg.FlushEvery)
	defer flushTicker.Stop()
	sweepTicker := time.NewTicker(g.cfg.SweepEvery)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-flushTicker.C:
			g.flush(ctx)

		case <-sweepTicker.C:
			if evicted := g.registry.Sweep(g.cfg.PeerTTL); evicted > 0 {
				g.metrics.Devices.Set(float64(g.registry.Count()))
			}
			if g.cache != nil {
				if removed, err := g.cache.Cleanup(g.cfg.CacheRetention, time.Now()); err != nil {
					g.log.Warn("cache cleanup failed", "error", err)
				} else if removed > 0 {
					g.log.Info("cache cleaned", "removed", removed)
				}
			}
		}
	}
}

// flush drains pending cached results per device, in order, clearing the
// degraded flag for every device that drains completely.
func (g *Gateway) flush(ctx context.Context) {
	if g.cache == nil || g.sink == nil {
		return
	}
	devices, err := g.cache.PendingDevices()
	if err != nil {
		g.log.Warn("listing pending devices failed", "error", err)
		return
	}
	if len(devices) == 0 {
		return
	}
	g.metrics.Flushes.Inc()

	for _, deviceID := range devices {
		g.flushDevice(ctx, deviceID)
	}
}

// flushDevice drains one device's cached rows, looping until a pass ends
// with nothing pending, then clears the degraded flag. The pending check
// holds the same lock as the degraded routing, so rows appended behind a
// drain snapshot are drained too before direct delivery resumes.
func (g *Gateway) flushDevice(ctx context.Context, deviceID string) {
	total := 0
	for {
		flushed, err := g.cache.FlushDevice(deviceID, func(result *types.Result) error {
			return g.sink.Deliver(ctx, result)
		})
		total += flushed
		g.metrics.Forwarded.Add(float64(flushed))

		if err != nil {
			g.log.Debug("flush stalled", "device", deviceID, "flushed", total, "error", err)
			return
		}

		g.mu.Lock()
		pending, perr := g.cache.PendingCount(deviceID)
		if perr == nil && pending == 0 {
			delete(g.degraded, deviceID)
			g.mu.Unlock()
			if total > 0 {
				g.log.Info("cache drained", "device", deviceID, "flushed", total)
			}
			return
		}
		g.mu.Unlock()

		if perr != nil {
			g.log.Warn("pending count failed", "device", deviceID, "error", perr)
			return
		}
	}
}

func (g *Gateway) isDegraded(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded[deviceID]
}

func mustUDPAddr(addr string) *net.UDPAddr {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &net.UDPAddr{Port: 9000}
	}
	return udpAddr
}
