package client

import (
	"fmt"
	"time"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/protocol/session"
	"github.com/danmuck/relayctl/internal/transport"
)

// recover re-establishes the transport within the reconnection budget.
// Queued messages stay queued while it runs. It returns ErrSessionClosed
// when the session was closed meanwhile.
func (s *Session) recover(cause error) (*transport.Channel, session.HandshakeAck, error) {
	var none session.HandshakeAck
	if !s.setState(StateRecovering, cause) {
		return nil, none, ErrSessionClosed
	}
	budget, _ := s.cfg.ReconnectionTimeout()
	strategy := s.cfg.ReconnectionStrategy()
	s.logger.Warn().Err(cause).Dur("budget", budget).Msg("client.Session recovering")

	start := time.Now()
	lastErr := cause
	for attempt := 1; ; attempt++ {
		elapsed := time.Since(start)
		if elapsed >= budget {
			return nil, none, fmt.Errorf("%w after %s: %w", ErrReconnectionTimedOut, budget, lastErr)
		}
		decision := strategy.NextAttempt(attempt, elapsed, budget)
		switch decision.Action {
		case session.RetryAbandon:
			if time.Since(start) >= budget {
				return nil, none, fmt.Errorf("%w after %s: %w", ErrReconnectionTimedOut, budget, lastErr)
			}
			return nil, none, fmt.Errorf("%w: %w after %d attempts: %w", ErrConnectionFailed, ErrReconnectionAbandoned, attempt-1, lastErr)
		case session.RetryAfterDelay:
			wait := min(decision.Delay, budget-elapsed)
			if !s.sleep(wait) {
				return nil, none, ErrSessionClosed
			}
		}
		if s.isClosed() {
			return nil, none, ErrSessionClosed
		}

		ch, ack, err := s.connect()
		observability.RecordReconnectAttempt(err == nil)
		if err == nil {
			s.logger.Info().Int("attempt", attempt).Dur("elapsed", time.Since(start)).Msg("client.Session reconnected")
			return ch, ack, nil
		}
		if s.isClosed() {
			return nil, none, ErrSessionClosed
		}
		if isRejection(err) {
			return nil, none, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		lastErr = err
		s.logger.Debug().Err(err).Int("attempt", attempt).Msg("client.Session reconnect attempt failed")
	}
}

// sleep waits for d or until the session closes.
func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
