package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel fails sends while broken and records delivered payloads.
type fakeChannel struct {
	name     string
	broken   bool
	sent     [][]byte
	attempts int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, data []byte) error {
	f.attempts++
	if f.broken {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	return nil, ErrChannelClosed
}

func (f *fakeChannel) Close() error { return nil }

func newTestSelector(t *testing.T) (*Selector, *fakeChannel, *fakeChannel, *time.Time) {
	t.Helper()
	primary := &fakeChannel{name: "udp"}
	fallback := &fakeChannel{name: "websocket"}

	s := NewSelector(SelectorConfig{FailThreshold: 3, Cooldown: 30 * time.Second}, primary, fallback, nil)
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, primary, fallback, &now
}

func TestSelectorStaysOnHealthyPrimary(t *testing.T) {
	s, primary, fallback, _ := newTestSelector(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Send(ctx, []byte("ok")))
	}

	assert.Len(t, primary.sent, 5)
	assert.Empty(t, fallback.sent)
	assert.Equal(t, "udp", s.Active().Name())
}

func TestSelectorDeliversViaFallbackInSameSend(t *testing.T) {
	s, primary, fallback, _ := newTestSelector(t)
	ctx := context.Background()

	// One primary failure is no reason to lose the packet: the same Send
	// call delivers it over the fallback.
	primary.broken = true
	require.NoError(t, s.Send(ctx, []byte("rescued")))

	assert.Len(t, fallback.sent, 1)
	assert.Equal(t, "udp", s.Active().Name(), "one failure does not switch preference")
}

func TestSelectorSwitchesPreferenceAfterConsecutiveFailures(t *testing.T) {
	s, primary, fallback, _ := newTestSelector(t)
	ctx := context.Background()

	primary.broken = true
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(ctx, []byte("x")), "fallback keeps delivering")
	}

	assert.Equal(t, "websocket", s.Active().Name())
	assert.Equal(t, uint64(1), s.Switches())
	assert.Equal(t, 3, primary.attempts)

	// With the fallback preferred, the broken primary is left alone.
	require.NoError(t, s.Send(ctx, []byte("direct")))
	assert.Equal(t, 3, primary.attempts)
	assert.Len(t, fallback.sent, 4)
}

func TestSelectorFailureCountResetsOnSuccess(t *testing.T) {
	s, primary, _, _ := newTestSelector(t)
	ctx := context.Background()

	// Two failures, a success, then two more failures: never three in a
	// row, so preference never switches.
	primary.broken = true
	require.NoError(t, s.Send(ctx, []byte("x")))
	require.NoError(t, s.Send(ctx, []byte("x")))

	primary.broken = false
	require.NoError(t, s.Send(ctx, []byte("ok")))

	primary.broken = true
	require.NoError(t, s.Send(ctx, []byte("x")))
	require.NoError(t, s.Send(ctx, []byte("x")))

	assert.Equal(t, "udp", s.Active().Name())
	assert.Equal(t, uint64(0), s.Switches())
}

func TestSelectorUnavailableOnlyWhenBothFail(t *testing.T) {
	s, primary, fallback, _ := newTestSelector(t)
	ctx := context.Background()

	primary.broken = true
	fallback.broken = true

	err := s.Send(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrUnavailable)

	// A single recovered channel is enough for the next send.
	fallback.broken = false
	require.NoError(t, s.Send(ctx, []byte("rescued")))
	assert.Len(t, fallback.sent, 1)
}

func TestSelectorProbesPrimaryAfterCooldown(t *testing.T) {
	s, primary, _, now := newTestSelector(t)
	ctx := context.Background()

	primary.broken = true
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(ctx, []byte("x")))
	}
	require.Equal(t, "websocket", s.Active().Name())

	// Inside the cooldown every send goes straight to the fallback.
	attemptsBefore := primary.attempts
	require.NoError(t, s.Send(ctx, []byte("a")))
	assert.Equal(t, attemptsBefore, primary.attempts)

	t.Run("failed probe stays on fallback and still delivers", func(t *testing.T) {
		*now = now.Add(31 * time.Second)
		require.NoError(t, s.Send(ctx, []byte("probe")))
		assert.Equal(t, "websocket", s.Active().Name())
		assert.Equal(t, attemptsBefore+1, primary.attempts)

		// The failed probe restarted the cooldown.
		require.NoError(t, s.Send(ctx, []byte("b")))
		assert.Equal(t, attemptsBefore+1, primary.attempts)
	})

	t.Run("successful probe reverts to primary", func(t *testing.T) {
		primary.broken = false
		*now = now.Add(31 * time.Second)

		require.NoError(t, s.Send(ctx, []byte("probe")))
		assert.Equal(t, "udp", s.Active().Name())
		assert.Equal(t, uint64(2), s.Switches())
	})
}

func TestSelectorWithoutFallback(t *testing.T) {
	primary := &fakeChannel{name: "udp", broken: true}
	s := NewSelector(DefaultSelectorConfig(), primary, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, s.Send(ctx, []byte("x")), ErrUnavailable)
	}
	assert.Equal(t, "udp", s.Active().Name())

	primary.broken = false
	require.NoError(t, s.Send(ctx, []byte("recovered")))
}
