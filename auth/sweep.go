package auth

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/milanbella/sa-oauth/instrumentation"
	"github.com/milanbella/sa-oauth/logger"
)

// RunSweeper calls every sweeper once per interval until ctx is done.
// A failed sweep is logged and retried on the next tick.
func RunSweeper(ctx context.Context, interval time.Duration, metrics *instrumentation.Metrics, sweepers ...Sweeper) error {
	if interval <= 0 || len(sweepers) == 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweepOnce(ctx, metrics, sweepers)
		}
	}
}

func sweepOnce(ctx context.Context, metrics *instrumentation.Metrics, sweepers []Sweeper) {
	for _, s := range sweepers {
		n, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error(err, zap.String("op", "sweep"))
			}
			continue
		}
		if n > 0 {
			metrics.Swept(ctx, n)
			logger.L().Debug("expired entries swept", zap.Int("removed", n))
		}
	}
}
