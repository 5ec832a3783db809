// Package sweeper reaps idle channels on a fixed interval.
package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Target is the registry surface the sweeper needs.
type Target interface {
	ActiveChannels() []string
	LastActivity(channelID string) (time.Time, bool)
	ForceClose(channelID string)
}

// Config carries the sweeper dependencies and thresholds.
type Config struct {
	Target   Target
	Logger   *slog.Logger
	Interval time.Duration
	// IdleAfter is how long a channel may go without activity before it is
	// force-closed, whether or not clients are still attached.
	IdleAfter time.Duration
	Now       func() time.Time
}

// Sweeper periodically force-closes channels whose sessions have been idle
// past the threshold.
type Sweeper struct {
	target    Target
	logger    *slog.Logger
	interval  time.Duration
	idleAfter time.Duration
	now       func() time.Time
}

func New(cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		target:    cfg.Target,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		idleAfter: cfg.IdleAfter,
		now:       cfg.Now,
	}
}

// Run ticks until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", "interval", s.interval, "idle_after", s.idleAfter)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one eviction pass. A failure closing one channel never stops
// the pass from evaluating the rest.
func (s *Sweeper) Sweep() int {
	now := s.now()
	evicted := 0
	for _, id := range s.target.ActiveChannels() {
		last, ok := s.target.LastActivity(id)
		if !ok {
			continue
		}
		idle := now.Sub(last)
		if idle <= s.idleAfter {
			continue
		}
		s.logger.Warn("closing idle channel", "channel_id", id, "idle", idle)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("idle close panicked", "channel_id", id, "panic", rec)
				}
			}()
			s.target.ForceClose(id)
		}()
		evicted++
	}
	return evicted
}
