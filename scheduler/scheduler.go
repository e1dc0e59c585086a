// Package scheduler runs the periodic release sweep. Deadlines are plain
// timestamps compared against "now"; the sweep only exists so expiry happens
// without waiting for a read. Every pass is idempotent and safe to run
// concurrently with manual actions, which are serialized per hold by the
// engines.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"mizan/dispute"
	"mizan/escrow"
	"mizan/observability/metrics"
)

// Config captures the dependencies and cadence of the sweep loop.
type Config struct {
	Holds    *escrow.Engine
	Disputes *dispute.Engine
	Interval time.Duration
	Logger   *slog.Logger
}

// Sweeper triggers automatic hold releases and dispute finalizations.
type Sweeper struct {
	holds    *escrow.Engine
	disputes *dispute.Engine
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time
}

// New constructs a sweeper with sane defaults.
func New(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		holds:    cfg.Holds,
		disputes: cfg.Disputes,
		interval: interval,
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	s.nowFn = now
}

// Run executes sweeps on a fixed cadence until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.holds == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, s.nowFn())
		}
	}
}

// Sweep performs one pass: expired reserved holds auto-release to the
// beneficiary, and decided disputes past their appeal window finalize. A
// hold that was released or disputed since the scan is a no-op, not an
// error.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	if s.holds != nil {
		released, err := s.holds.ExpireDue(ctx, now)
		if err != nil {
			metrics.Settlement().RecordFailure("hold", "sweep")
			s.logger.Error("hold expiry sweep failed", "error", err)
		} else if released > 0 {
			s.logger.Info("auto-released expired holds", "count", released)
		}
	}
	if s.disputes != nil {
		closed, err := s.disputes.FinalizeDue(ctx, now)
		if err != nil {
			metrics.Settlement().RecordFailure("dispute", "sweep")
			s.logger.Error("dispute finalize sweep failed", "error", err)
		} else if closed > 0 {
			s.logger.Info("finalized disputes past appeal window", "count", closed)
		}
	}
}
