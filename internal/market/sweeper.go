package market

import (
	"context"
	"time"
)

// RunSweeper drives SweepExpired on a fixed interval until ctx is done.
// Started once by the server binary.
func (s *Store) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s.log.Info("market sweeper started", "every", every.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("market sweeper stopped")
			return
		case now := <-ticker.C:
			if n := s.SweepExpired(now); n > 0 {
				s.log.Info("expired listings swept", "count", n, "revision", s.Revision())
			}
		}
	}
}
