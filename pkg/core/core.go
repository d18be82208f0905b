// Package core wires configuration into runnable component graphs. It is
// the embeddable surface: everything underneath takes its collaborators
// through constructors, so tests and embedders can swap transports, sinks
// and clocks freely.
package core

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emberlink/emberlink/internal/agent"
	"github.com/emberlink/emberlink/internal/config"
	"github.com/emberlink/emberlink/internal/gateway"
	"github.com/emberlink/emberlink/internal/secure"
	"github.com/emberlink/emberlink/internal/transport"
)

// Agent bundles a constructed agent with its transport for shutdown.
type Agent struct {
	*agent.Agent
	selector *transport.Selector
}

// Close releases the transport channels.
func (a *Agent) Close() error {
	return a.selector.Close()
}

// NewAgent builds the device-side graph: key file, encryption box, UDP
// primary with WebSocket fallback, and the sampling loop around source.
func NewAgent(cfg *config.Config, source agent.Source, log *slog.Logger) (*Agent, error) {
	if log == nil {
		log = slog.Default()
	}

	key, err := ReadKeyFile(cfg.Agent.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading device key: %w", err)
	}
	box, err := secure.NewBox(key, 1, 2*time.Minute)
	if err != nil {
		return nil, err
	}

	udp, err := transport.DialUDP(cfg.Agent.GatewayUDP)
	if err != nil {
		return nil, fmt.Errorf("opening primary channel: %w", err)
	}
	ws := transport.NewWSChannel(cfg.Agent.GatewayWS)
	selector := transport.NewSelector(transport.DefaultSelectorConfig(), udp, ws, log)

	a := agent.New(agent.Config{
		DeviceID:    cfg.DeviceID,
		SampleEvery: cfg.Agent.SampleEvery,
		HealthEvery: cfg.Agent.HealthEvery,
		RotateEvery: cfg.Agent.RotateEvery,
	}, source, selector, box, log)

	// Reachability probing is best-effort; agents behind weird NATs still
	// run, they just report no public address.
	prober := transport.NewProber(cfg.Agent.STUNServers)
	if addr, err := prober.PublicAddr(); err == nil {
		a.SetPublicAddr(addr.String())
	} else {
		log.Debug("stun probe failed", "error", err)
	}

	return &Agent{Agent: a, selector: selector}, nil
}

// Gateway bundles a constructed gateway with its cache for shutdown.
type Gateway struct {
	*gateway.Gateway
	cache *gateway.Cache
}

// Close releases the cache database.
func (g *Gateway) Close() error {
	return g.cache.Close()
}

// NewGateway builds the receiver graph: durable cache, upstream sink when
// configured, and the listener process around them.
func NewGateway(cfg *config.Config, log *slog.Logger) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}

	cache, err := gateway.OpenCache(cfg.Gateway.CachePath)
	if err != nil {
		return nil, err
	}

	var sink gateway.Sink
	if cfg.Gateway.UpstreamURL != "" {
		sink = gateway.NewHTTPSink(cfg.Gateway.UpstreamURL, 5*time.Second)
	}

	g := gateway.New(gateway.Config{
		UDPAddr:        cfg.Gateway.UDPAddr,
		WSAddr:         cfg.Gateway.WSAddr,
		MetricsAddr:    cfg.Gateway.MetricsAddr,
		KeysDir:        cfg.Gateway.KeysDir,
		KeyGrace:       cfg.Gateway.KeyGrace,
		PeerTTL:        cfg.Gateway.PeerTTL,
		CacheRetention: cfg.Gateway.CacheRetention,
	}, cache, sink, log)

	return &Gateway{Gateway: g, cache: cache}, nil
}

// ReadKeyFile loads a base64-encoded AES-256 key, the same format the
// gateway's keys directory uses.
func ReadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := base64.URLEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	if len(key) != secure.KeySize {
		return nil, secure.ErrInvalidKeySize
	}
	return key, nil
}

// WriteKeyFile persists a device key next to the agent config.
func WriteKeyFile(path string, key []byte) error {
	encoded := base64.URLEncoding.EncodeToString(key)
	return os.WriteFile(path, []byte(encoded+"\n"), 0600)
}
