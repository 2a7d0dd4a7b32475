package session

import "time"

type RetryAction uint8

const (
	RetryImmediately RetryAction = iota
	RetryAfterDelay
	RetryAbandon
)

func (a RetryAction) String() string {
	switch a {
	case RetryImmediately:
		return "immediate"
	case RetryAfterDelay:
		return "delayed"
	case RetryAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// RetryDecision is a strategy's answer for one reconnection attempt.
type RetryDecision struct {
	Action RetryAction
	Delay  time.Duration
}

func RetryNow() RetryDecision { return RetryDecision{Action: RetryImmediately} }

func RetryAfter(d time.Duration) RetryDecision {
	if d <= 0 {
		return RetryNow()
	}
	return RetryDecision{Action: RetryAfterDelay, Delay: d}
}

func Abandon() RetryDecision { return RetryDecision{Action: RetryAbandon} }

// ReconnectionStrategy decides whether and when to retry after a transport
// failure. attempt is 1-based; elapsed is the time spent recovering so far
// and budget is the session's reconnection timeout.
type ReconnectionStrategy interface {
	NextAttempt(attempt int, elapsed, budget time.Duration) RetryDecision
}

// StrategyFunc adapts a plain function to ReconnectionStrategy.
type StrategyFunc func(attempt int, elapsed, budget time.Duration) RetryDecision

func (f StrategyFunc) NextAttempt(attempt int, elapsed, budget time.Duration) RetryDecision {
	return f(attempt, elapsed, budget)
}

// FixedDelayStrategy retries at a constant interval until the budget runs out.
func FixedDelayStrategy(delay time.Duration) ReconnectionStrategy {
	return StrategyFunc(func(_ int, elapsed, budget time.Duration) RetryDecision {
		if elapsed >= budget {
			return Abandon()
		}
		if remaining := budget - elapsed; delay > remaining {
			return RetryAfter(remaining)
		}
		return RetryAfter(delay)
	})
}

// MaxAttemptsStrategy abandons after n attempts and otherwise defers to next.
func MaxAttemptsStrategy(n int, next ReconnectionStrategy) ReconnectionStrategy {
	return StrategyFunc(func(attempt int, elapsed, budget time.Duration) RetryDecision {
		if attempt > n {
			return Abandon()
		}
		return next.NextAttempt(attempt, elapsed, budget)
	})
}
