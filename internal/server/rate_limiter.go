package server

import (
	"sync"
	"time"
)

// frameBudget throttles the frames one live-channel connection may send. It is
// a token bucket holding Burst tokens that refills completely every
// RefillInterval.
type frameBudget struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	tokens   float64
	perSec   float64
	last     time.Time
	rejected int64
	now      func() time.Time
}

func newFrameBudget(cfg RateLimitConfig) *frameBudget {
	return newFrameBudgetWithClock(cfg, time.Now)
}

func newFrameBudgetWithClock(cfg RateLimitConfig, now func() time.Time) *frameBudget {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	return &frameBudget{
		cfg:    cfg,
		tokens: float64(cfg.Burst),
		perSec: float64(cfg.Burst) / cfg.RefillInterval.Seconds(),
		last:   now(),
		now:    now,
	}
}

// spend takes one token. When the bucket is empty it returns false along with
// the number of frames rejected since the last accepted one.
func (b *frameBudget) spend() (bool, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(float64(b.cfg.Burst), b.tokens+elapsed*b.perSec)
	}
	b.last = now

	if b.tokens < 1 {
		b.rejected++
		return false, b.rejected
	}
	b.tokens--
	b.rejected = 0
	return true, 0
}
