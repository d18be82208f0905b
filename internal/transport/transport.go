// Package transport moves encoded packets between a device agent and its
// gateway over one of two channels, a primary and a fallback, and decides
// which of the two is in use at any moment.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrUnavailable   = errors.New("no transport channel available")
	ErrChannelClosed = errors.New("transport channel closed")
)

// Channel is a single bidirectional packet pipe. Send makes exactly one
// attempt; retry policy lives with the caller.
type Channel interface {
	Name() string
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// SelectorConfig tunes failover behavior.
type SelectorConfig struct {
	// FailThreshold consecutive send failures switch to the fallback.
	FailThreshold int
	// Cooldown is how long the selector stays on the fallback before
	// probing the primary again.
	Cooldown time.Duration
}

// DefaultSelectorConfig returns the failover policy used by agents.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		FailThreshold: 3,
		Cooldown:      30 * time.Second,
	}
}

// Selector routes sends over a primary and a fallback channel. Every
// send tries the preferred channel first and falls back to the other
// within the same call, so a single healthy channel is enough for
// delivery. After FailThreshold consecutive primary failures the
// fallback becomes preferred; after the cooldown the primary is probed
// again and preference reverts on success. Single-writer: the agent
// loop is the only sender.
type Selector struct {
	cfg      SelectorConfig
	primary  Channel
	fallback Channel
	log      *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	onFallback  bool
	failures    int
	switchedAt  time.Time
	switchCount uint64
}

// NewSelector wires a primary and fallback channel together. fallback may
// be nil, in which case primary exhaustion makes sends fail with
// ErrUnavailable until the primary recovers.
func NewSelector(cfg SelectorConfig, primary, fallback Channel, log *slog.Logger) *Selector {
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		log:      log,
		now:      time.Now,
	}
}

// Active returns the channel currently selected for sends.
func (s *Selector) Active() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFallback {
		return s.fallback
	}
	return s.primary
}

// Switches returns how many times the selector has changed channels.
func (s *Selector) Switches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchCount
}

// Send transmits one encoded packet, trying the preferred channel first
// and the other one within the same call when the first refuses it. It
// fails, with ErrUnavailable, only when every configured channel failed.
// Only the first attempt drives the preference state: the recovery
// attempt delivers the packet but does not move the failure counter.
func (s *Selector) Send(ctx context.Context, data []byte) error {
	first, probing := s.pick()
	if first == nil {
		return ErrUnavailable
	}

	err := first.Send(ctx, data)
	s.observe(first, probing, err)
	if err == nil {
		return nil
	}

	second := s.other(first)
	if second == nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, first.Name(), err)
	}
	if serr := second.Send(ctx, data); serr != nil {
		return fmt.Errorf("%w: %s: %v, %s: %v",
			ErrUnavailable, first.Name(), err, second.Name(), serr)
	}
	return nil
}

// other returns the configured channel that ch is not, or nil when only
// one channel exists.
func (s *Selector) other(ch Channel) Channel {
	if ch == s.primary {
		return s.fallback
	}
	return s.primary
}

// Receive reads from the active channel.
func (s *Selector) Receive(ctx context.Context) ([]byte, error) {
	ch := s.Active()
	if ch == nil {
		return nil, ErrUnavailable
	}
	return ch.Receive(ctx)
}

// Close closes both channels.
func (s *Selector) Close() error {
	err := s.primary.Close()
	if s.fallback != nil {
		if ferr := s.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}

// pick chooses the channel for the next send. While on the fallback, once
// the cooldown has elapsed it returns the primary as a probe.
func (s *Selector) pick() (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.onFallback {
		return s.primary, false
	}
	if s.now().Sub(s.switchedAt) >= s.cfg.Cooldown {
		return s.primary, true
	}
	return s.fallback, false
}

func (s *Selector) observe(ch Channel, probing bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case probing && err == nil:
		s.onFallback = false
		s.failures = 0
		s.switchCount++
		s.log.Info("transport reverted to primary", "channel", s.primary.Name())

	case probing:
		// Probe failed, stay on the fallback through another cooldown.
		s.switchedAt = s.now()

	case err == nil:
		s.failures = 0

	case !s.onFallback:
		s.failures++
		if s.failures >= s.cfg.FailThreshold && s.fallback != nil {
			s.onFallback = true
			s.failures = 0
			s.switchedAt = s.now()
			s.switchCount++
			s.log.Warn("transport switched to fallback",
				"from", s.primary.Name(),
				"to", s.fallback.Name(),
				"after_failures", s.cfg.FailThreshold)
		}
	}
}
