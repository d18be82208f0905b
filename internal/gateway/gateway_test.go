package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberlink/emberlink/internal/packet"
	"github.com/emberlink/emberlink/internal/secure"
	"github.com/emberlink/emberlink/pkg/types"
)

// fakeSink records deliveries and fails on demand. onDeliver, when set,
// runs after each successful delivery.
type fakeSink struct {
	broken    bool
	delivered []*types.Result
	onDeliver func(*types.Result)
}

func (s *fakeSink) Deliver(ctx context.Context, result *types.Result) error {
	if s.broken {
		return errors.New("upstream down")
	}
	s.delivered = append(s.delivered, result)
	if s.onDeliver != nil {
		s.onDeliver(result)
	}
	return nil
}

func newTestGateway(t *testing.T, sink Sink) (*Gateway, *secure.Box) {
	t.Helper()

	cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	g := New(Config{}, cache, sink, nil)

	key, err := secure.GenerateKey()
	require.NoError(t, err)
	gatewayBox, err := secure.NewBox(key, 1, time.Minute)
	require.NoError(t, err)
	g.registry.Install("dev-1", gatewayBox)

	agentBox, err := secure.NewBox(key, 1, time.Minute)
	require.NoError(t, err)
	return g, agentBox
}

func encodeReading(t *testing.T, box *secure.Box, seq uint64, typ packet.Type, r types.Reading) []byte {
	t.Helper()
	plaintext, err := json.Marshal(r)
	require.NoError(t, err)
	sealed, err := box.Encrypt(plaintext)
	require.NoError(t, err)

	data, err := packet.Encode(&packet.Packet{
		Version:   packet.Version,
		Type:      typ,
		DeviceID:  "dev-1",
		Timestamp: time.Now().UnixMilli(),
		Sequence:  seq,
		Payload:   sealed,
	})
	require.NoError(t, err)
	return data
}

func TestHandlePacketHappyPath(t *testing.T) {
	sink := &fakeSink{}
	g, agentBox := newTestGateway(t, sink)

	r41 := types.Reading{Label: "calm", Confidence: 0.8, Intensity: 0.3}
	reply := g.handlePacket(encodeReading(t, agentBox, 41, packet.TypeResult, r41))
	require.NotNil(t, reply)

	r42 := types.Reading{Label: "happy", Confidence: 0.9, Intensity: 0.6}
	reply = g.handlePacket(encodeReading(t, agentBox, 42, packet.TypeResult, r42))
	require.NotNil(t, reply)

	ack, err := packet.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, packet.TypeAck, ack.Type)
	assert.Equal(t, uint64(42), ack.Sequence)

	require.Len(t, sink.delivered, 2)
	assert.Equal(t, "happy", sink.delivered[1].Reading.Label)
	assert.Equal(t, 0.9, sink.delivered[1].Reading.Confidence)
	assert.Equal(t, uint64(42), sink.delivered[1].Sequence)

	record, err := g.registry.Lookup("dev-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), record.LastSeq)
}

func TestHandlePacketDrops(t *testing.T) {
	sink := &fakeSink{}
	g, agentBox := newTestGateway(t, sink)

	t.Run("malformed bytes", func(t *testing.T) {
		assert.Nil(t, g.handlePacket([]byte("garbage")))
	})

	t.Run("unknown device", func(t *testing.T) {
		key, err := secure.GenerateKey()
		require.NoError(t, err)
		strangerBox, err := secure.NewBox(key, 1, time.Minute)
		require.NoError(t, err)

		sealed, err := strangerBox.Encrypt([]byte("{}"))
		require.NoError(t, err)
		data, err := packet.Encode(&packet.Packet{
			Version:   packet.Version,
			Type:      packet.TypeResult,
			DeviceID:  "stranger",
			Timestamp: time.Now().UnixMilli(),
			Sequence:  1,
			Payload:   sealed,
		})
		require.NoError(t, err)

		assert.Nil(t, g.handlePacket(data))
	})

	t.Run("wrong key fails authentication", func(t *testing.T) {
		key, err := secure.GenerateKey()
		require.NoError(t, err)
		wrongBox, err := secure.NewBox(key, 1, time.Minute)
		require.NoError(t, err)

		data := encodeReading(t, wrongBox, 5, packet.TypeResult, types.Reading{Label: "x"})
		assert.Nil(t, g.handlePacket(data))
		assert.Empty(t, sink.delivered)
	})

	t.Run("replayed sequence", func(t *testing.T) {
		r := types.Reading{Label: "calm"}
		require.NotNil(t, g.handlePacket(encodeReading(t, agentBox, 10, packet.TypeResult, r)))
		require.Len(t, sink.delivered, 1)

		assert.Nil(t, g.handlePacket(encodeReading(t, agentBox, 10, packet.TypeResult, r)))
		assert.Nil(t, g.handlePacket(encodeReading(t, agentBox, 9, packet.TypeResult, r)))
		assert.Len(t, sink.delivered, 1, "replays never reach the sink")
	})
}

func TestUpstreamOutageCachesAndFlushesInOrder(t *testing.T) {
	sink := &fakeSink{broken: true}
	g, agentBox := newTestGateway(t, sink)
	ctx := context.Background()

	for seq := uint64(41); seq <= 43; seq++ {
		r := types.Reading{Label: "happy", Confidence: 0.9, Intensity: 0.6}
		reply := g.handlePacket(encodeReading(t, agentBox, seq, packet.TypeResult, r))
		require.NotNil(t, reply, "outage must not stop acks")
	}

	assert.Empty(t, sink.delivered)
	depth, err := g.cache.Depth()
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
	assert.True(t, g.isDegraded("dev-1"))

	// Upstream still down: flushing changes nothing.
	g.flush(ctx)
	assert.Empty(t, sink.delivered)

	// Upstream recovers: one flush drains everything in arrival order.
	sink.broken = false
	g.flush(ctx)

	require.Len(t, sink.delivered, 3)
	assert.Equal(t, uint64(41), sink.delivered[0].Sequence)
	assert.Equal(t, uint64(42), sink.delivered[1].Sequence)
	assert.Equal(t, uint64(43), sink.delivered[2].Sequence)
	assert.False(t, g.isDegraded("dev-1"))

	depth, err = g.cache.Depth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestDegradedDeviceRoutesThroughCache(t *testing.T) {
	sink := &fakeSink{broken: true}
	g, agentBox := newTestGateway(t, sink)

	r := types.Reading{Label: "calm"}
	g.handlePacket(encodeReading(t, agentBox, 1, packet.TypeResult, r))
	require.True(t, g.isDegraded("dev-1"))

	// Sink is back, but the device stays on the cache path until a flush
	// drains it, so sequence 2 cannot overtake sequence 1.
	sink.broken = false
	g.handlePacket(encodeReading(t, agentBox, 2, packet.TypeResult, r))
	assert.Empty(t, sink.delivered)

	g.flush(context.Background())
	require.Len(t, sink.delivered, 2)
	assert.Equal(t, uint64(1), sink.delivered[0].Sequence)
	assert.Equal(t, uint64(2), sink.delivered[1].Sequence)
}

func TestResultArrivingMidFlushKeepsOrder(t *testing.T) {
	sink := &fakeSink{broken: true}
	g, agentBox := newTestGateway(t, sink)
	r := types.Reading{Label: "calm"}

	g.handlePacket(encodeReading(t, agentBox, 1, packet.TypeResult, r))
	require.True(t, g.isDegraded("dev-1"))

	// While the flush delivers sequence 1, sequence 2 arrives. It lands
	// behind the drain snapshot, so the drain must pick it up before the
	// degraded flag clears and direct delivery resumes.
	sink.broken = false
	injected := false
	sink.onDeliver = func(*types.Result) {
		if injected {
			return
		}
		injected = true
		g.handlePacket(encodeReading(t, agentBox, 2, packet.TypeResult, r))
	}

	g.flush(context.Background())
	sink.onDeliver = nil
	require.True(t, injected)
	assert.False(t, g.isDegraded("dev-1"))

	g.handlePacket(encodeReading(t, agentBox, 3, packet.TypeResult, r))

	require.Len(t, sink.delivered, 3)
	assert.Equal(t, uint64(1), sink.delivered[0].Sequence)
	assert.Equal(t, uint64(2), sink.delivered[1].Sequence)
	assert.Equal(t, uint64(3), sink.delivered[2].Sequence)
}

func TestUnparseablePayloadCounted(t *testing.T) {
	sink := &fakeSink{}
	g, agentBox := newTestGateway(t, sink)

	encode := func(seq uint64, typ packet.Type) []byte {
		sealed, err := agentBox.Encrypt([]byte("not json"))
		require.NoError(t, err)
		data, err := packet.Encode(&packet.Packet{
			Version:   packet.Version,
			Type:      typ,
			DeviceID:  "dev-1",
			Timestamp: time.Now().UnixMilli(),
			Sequence:  seq,
			Payload:   sealed,
		})
		require.NoError(t, err)
		return data
	}
	unparseable := func() float64 {
		return testutil.ToFloat64(g.metrics.Dropped.WithLabelValues(DropUnparseable))
	}

	t.Run("reading", func(t *testing.T) {
		require.NotNil(t, g.handlePacket(encode(1, packet.TypeResult)), "authenticated packets are still acked")
		assert.Empty(t, sink.delivered)
		assert.Equal(t, 1.0, unparseable())
		assert.Equal(t, DropUnparseable, g.metrics.Snapshot(0, 0).LastError)
	})

	t.Run("health report", func(t *testing.T) {
		require.NotNil(t, g.handlePacket(encode(2, packet.TypeHealth)))
		assert.Equal(t, 2.0, unparseable())
	})
}

func TestAlertPacketAcked(t *testing.T) {
	sink := &fakeSink{}
	g, agentBox := newTestGateway(t, sink)

	r := types.Reading{Label: "distress", Confidence: 0.95, Intensity: 0.95}
	reply := g.handlePacket(encodeReading(t, agentBox, 7, packet.TypeAlert, r))
	require.NotNil(t, reply)

	ack, err := packet.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, packet.TypeAck, ack.Type)
	assert.Equal(t, uint64(7), ack.Sequence)
	require.Len(t, sink.delivered, 1)
	assert.Equal(t, "distress", sink.delivered[0].Reading.Label)
}

func TestHealthPacketAckedNotForwarded(t *testing.T) {
	sink := &fakeSink{}
	g, agentBox := newTestGateway(t, sink)

	sealed, err := agentBox.Encrypt([]byte(`{"battery":0.8,"queue_depth":0}`))
	require.NoError(t, err)
	data, err := packet.Encode(&packet.Packet{
		Version:   packet.Version,
		Type:      packet.TypeHealth,
		DeviceID:  "dev-1",
		Timestamp: time.Now().UnixMilli(),
		Sequence:  3,
		Payload:   sealed,
	})
	require.NoError(t, err)

	reply := g.handlePacket(data)
	require.NotNil(t, reply)
	assert.Empty(t, sink.delivered)
}

func TestSnapshot(t *testing.T) {
	g, _ := newTestGateway(t, &fakeSink{})

	status := g.metrics.Snapshot(g.registry.Count(), 0)
	assert.NotEmpty(t, status.NodeID)
	assert.Equal(t, 1, status.Devices)
	assert.Empty(t, status.LastError)

	g.handlePacket([]byte("garbage"))
	status = g.metrics.Snapshot(g.registry.Count(), 0)
	assert.Equal(t, DropMalformed, status.LastError)
}
