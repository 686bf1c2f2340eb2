package model

import (
	"context"
	"time"

	"originlock/internal/obs"
)

// Sweeper releases leases whose TTL has elapsed.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

type ExpirationMonitor struct {
	svc      Sweeper
	logger   *obs.Logger
	interval time.Duration
	now      func() time.Time
}

// NewExpirationMonitor creates a periodic sweeper over svc. Expired leases
// are released in one batch per tick.
func NewExpirationMonitor(svc Sweeper, logger *obs.Logger, interval time.Duration) *ExpirationMonitor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &ExpirationMonitor{
		svc:      svc,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

func (m *ExpirationMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *ExpirationMonitor) sweepOnce(ctx context.Context) {
	start := time.Now()
	cleared, err := m.svc.SweepExpired(ctx, m.now())
	if m.logger == nil {
		return
	}
	if err != nil && ctx.Err() != nil {
		return
	}
	// only log when something happened
	if cleared == 0 && err == nil {
		return
	}
	fields := map[string]interface{}{
		"op":         "expire_sweep",
		"cleared":    cleared,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		m.logger.Error(fields)
		return
	}
	m.logger.Info(fields)
}
