package service

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often expired lists are removed.
const DefaultSweepInterval = time.Minute

// ExpiryCallback is invoked with the share token of every list the sweeper removed.
type ExpiryCallback func(shareToken string)

// StartExpirySweeper runs a background loop that deletes expired shopping
// lists every interval and invokes the callback for each one. It blocks
// until the context is cancelled, so it should be launched in a separate
// goroutine.
func (s *Service) StartExpirySweeper(ctx context.Context, interval time.Duration, callback ExpiryCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Infof("Expiry sweeper started (interval %s)", interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return
		case <-ticker.C:
			s.SweepExpired(ctx, callback)
		}
	}
}

// SweepExpired deletes every list past its expiry and returns how many were removed.
func (s *Service) SweepExpired(ctx context.Context, callback ExpiryCallback) int {
	tokens, err := s.Lists.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.Errorf("Failed to delete expired shopping lists: %v", err)
		return 0
	}

	if len(tokens) > 0 {
		s.logger.Infof("Removed %d expired shopping lists", len(tokens))
	}
	if callback != nil {
		for _, token := range tokens {
			callback(token)
		}
	}
	return len(tokens)
}
