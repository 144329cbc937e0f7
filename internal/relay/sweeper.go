package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// ExpireOnce removes every message older than now minus retention. Failures
// are logged and swallowed.
func (s *Service) ExpireOnce(ctx context.Context, now time.Time, retention time.Duration) int64 {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := now.Add(-retention)
	removed, err := s.store.ExpireOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("expiry sweep failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0
	}
	if removed > 0 {
		s.log.Info("removed expired messages", zap.Int64("count", removed), zap.Time("cutoff", cutoff))
	}
	s.metrics.recordExpired(removed)
	return removed
}

// RunExpiry sweeps immediately and then every interval until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.ExpireOnce(ctx, time.Now(), retention)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.ExpireOnce(ctx, now, retention)
		}
	}
}
