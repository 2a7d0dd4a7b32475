package session

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return jitter(cfg, float64(cfg.InitialDelay), rng)
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return jitter(cfg, delay, rng)
}

func jitter(cfg BackoffConfig, delay float64, rng *rand.Rand) time.Duration {
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// BackoffStrategy is the default ReconnectionStrategy: exponential backoff
// clipped to whatever remains of the reconnection budget.
type BackoffStrategy struct {
	cfg BackoffConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoffStrategy(cfg BackoffConfig) *BackoffStrategy {
	return &BackoffStrategy{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *BackoffStrategy) NextAttempt(attempt int, elapsed, budget time.Duration) RetryDecision {
	remaining := budget - elapsed
	if remaining <= 0 {
		return Abandon()
	}
	s.mu.Lock()
	delay := NextBackoffDelay(s.cfg, attempt, s.rng)
	s.mu.Unlock()
	if delay <= 0 {
		return RetryNow()
	}
	if delay > remaining {
		delay = remaining
	}
	return RetryAfter(delay)
}
