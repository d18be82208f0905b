// Package agent runs the device-side loop: sample a labeled reading from
// the inference engine, encrypt it, frame it and get it to the gateway,
// retrying through the bounded queue when the link misbehaves.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/emberlink/emberlink/internal/packet"
	"github.com/emberlink/emberlink/internal/retryq"
	"github.com/emberlink/emberlink/internal/secure"
	"github.com/emberlink/emberlink/pkg/types"
)

const (
	minSleep = 100 * time.Millisecond
	maxSleep = 10 * time.Second

	// Readings at or above this intensity go out as alert packets, which
	// displace ordinary results from a full retry queue.
	alertIntensity = 0.9

	lowBattery  = 0.2
	sendTimeout = 2 * time.Second
	ackPollWait = 50 * time.Millisecond
)

// Source produces labeled readings. The inference engine behind it is a
// black box; the agent never inspects raw sensor data.
type Source interface {
	Next(ctx context.Context) (types.Reading, error)
}

// Link is the agent's view of the transport selector.
type Link interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// HealthReport is the JSON payload of a health packet.
type HealthReport struct {
	Battery    float64 `json:"battery"`
	QueueDepth int     `json:"queue_depth"`
	Expired    uint64  `json:"expired"`
	KeyVersion uint32  `json:"key_version"`
	PublicAddr string  `json:"public_addr,omitempty"`
}

// Config tunes the loop cadence.
type Config struct {
	DeviceID    string
	SampleEvery time.Duration
	HealthEvery time.Duration
	RotateEvery time.Duration
}

// Agent is the single-threaded device loop. All work happens inside Run;
// the only suspension point is the adaptive sleep between iterations.
type Agent struct {
	cfg    Config
	source Source
	link   Link
	box    *secure.Box
	queue  *retryq.Queue
	log    *slog.Logger

	seq        uint64
	lastHealth time.Time
	lastRotate time.Time
	battery    float64
	publicAddr string

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// New assembles an agent. The retry queue is created here so its send path
// goes through the same link.
func New(cfg Config, source Source, link Link, box *secure.Box, log *slog.Logger) *Agent {
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = time.Second
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = 30 * time.Second
	}
	if cfg.RotateEvery <= 0 {
		cfg.RotateEvery = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}

	a := &Agent{
		cfg:     cfg,
		source:  source,
		link:    link,
		box:     box,
		log:     log,
		battery: 1.0,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	a.queue = retryq.New(retryq.DefaultConfig(), a.transmit)
	a.lastHealth = a.now()
	a.lastRotate = a.now()
	return a
}

// SetPublicAddr records the STUN-discovered address for health reports.
func (a *Agent) SetPublicAddr(addr string) {
	a.publicAddr = addr
}

// Run drives the loop until the context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent started", "device", a.cfg.DeviceID)

	for {
		if err := ctx.Err(); err != nil {
			a.log.Info("agent stopped", "device", a.cfg.DeviceID)
			return err
		}

		reading, err := a.step(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("loop iteration failed", "error", err)
		}
		a.sleep(ctx, a.sleepFor(reading))
	}
}

// Step runs one loop iteration without the trailing sleep, for embedders
// that schedule the loop themselves.
func (a *Agent) Step(ctx context.Context) error {
	_, err := a.step(ctx)
	return err
}

// step runs one full iteration: sample, ship, poll acks, drive retries,
// and emit periodic health and key rotation.
func (a *Agent) step(ctx context.Context) (types.Reading, error) {
	reading, err := a.source.Next(ctx)
	if err != nil {
		return reading, err
	}
	a.battery = reading.Battery

	if err := a.ship(ctx, reading); err != nil {
		return reading, err
	}

	a.pollAcks(ctx)
	a.queue.Tick(a.now())

	if a.now().Sub(a.lastHealth) >= a.cfg.HealthEvery {
		a.sendHealth(ctx)
	}
	if a.now().Sub(a.lastRotate) >= a.cfg.RotateEvery {
		a.box.Rotate()
		a.lastRotate = a.now()
		a.log.Info("key rotated", "version", a.box.Version())
	}
	return reading, nil
}

// ship encrypts and frames one reading, makes one send attempt and falls
// back to the retry queue. Encryption and framing always complete before
// any bytes move.
func (a *Agent) ship(ctx context.Context, reading types.Reading) error {
	plaintext, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	sealed, err := a.box.Encrypt(plaintext)
	if err != nil {
		return err
	}

	typ := packet.TypeResult
	if reading.Intensity >= alertIntensity {
		typ = packet.TypeAlert
	}

	a.seq++
	p := &packet.Packet{
		Version:   packet.Version,
		Type:      typ,
		DeviceID:  a.cfg.DeviceID,
		Timestamp: a.now().UnixMilli(),
		Sequence:  a.seq,
		Payload:   sealed,
	}

	if err := a.transmit(p); err != nil {
		a.log.Debug("send failed, queueing", "seq", p.Sequence, "error", err)
		if qerr := a.queue.Enqueue(p, a.now()); qerr != nil {
			a.log.Warn("reading dropped", "seq", p.Sequence, "error", qerr)
			return qerr
		}
		return nil
	}
	return nil
}

// transmit encodes and sends one packet, exactly one attempt.
func (a *Agent) transmit(p *packet.Packet) error {
	data, err := packet.Encode(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return a.link.Send(ctx, data)
}

// pollAcks drains whatever acks arrived since the last iteration without
// blocking the loop for long.
func (a *Agent) pollAcks(ctx context.Context) {
	for {
		rctx, cancel := context.WithTimeout(ctx, ackPollWait)
		data, err := a.link.Receive(rctx)
		cancel()
		if err != nil {
			return
		}

		p, err := packet.Decode(data)
		if err != nil {
			a.log.Debug("discarding undecodable reply", "error", err)
			continue
		}
		// Only acks stamped with the gateway's id clear pending entries.
		if p.Type != packet.TypeAck || p.DeviceID != packet.GatewayID {
			a.log.Debug("discarding unexpected reply",
				"type", p.Type.String(), "from", p.DeviceID)
			continue
		}
		a.queue.OnAck(p.Sequence)
	}
}

func (a *Agent) sendHealth(ctx context.Context) {
	report := HealthReport{
		Battery:    a.battery,
		QueueDepth: a.queue.Len(),
		Expired:    a.queue.Expired(),
		KeyVersion: a.box.Version(),
		PublicAddr: a.publicAddr,
	}
	plaintext, err := json.Marshal(report)
	if err != nil {
		return
	}
	sealed, err := a.box.Encrypt(plaintext)
	if err != nil {
		return
	}

	a.seq++
	p := &packet.Packet{
		Version:   packet.Version,
		Type:      packet.TypeHealth,
		DeviceID:  a.cfg.DeviceID,
		Timestamp: a.now().UnixMilli(),
		Sequence:  a.seq,
		Payload:   sealed,
	}
	// Health is best-effort; a missed report is not worth queue space.
	if err := a.transmit(p); err == nil {
		a.lastHealth = a.now()
	}
}

// sleepFor adapts the loop cadence: intense readings keep the device
// sampling fast, a low battery slows it down. Always inside [100ms, 10s].
func (a *Agent) sleepFor(reading types.Reading) time.Duration {
	d := a.cfg.SampleEvery
	if reading.Intensity > 0.7 {
		d /= 2
	}
	if reading.Battery > 0 && reading.Battery < lowBattery {
		d *= 4
	}

	if d < minSleep {
		return minSleep
	}
	if d > maxSleep {
		return maxSleep
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
