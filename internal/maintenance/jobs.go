package maintenance

import (
	"context"
	"fmt"
	"log/slog"
)

// Job names registered by the worker command.
const (
	JobSweepLeases = "sweep-leases"
	JobHeartbeat   = "heartbeat"
)

// LeaseSweeper recovers tasks whose leases expired.
type LeaseSweeper interface {
	SweepExpiredLeases(ctx context.Context) (int64, error)
}

// Beater writes one liveness heartbeat.
type Beater interface {
	Beat(ctx context.Context)
}

// SweepJob returns a job that sweeps expired leases and logs recoveries.
func SweepJob(s LeaseSweeper, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		n, err := s.SweepExpiredLeases(ctx)
		if err != nil {
			return fmt.Errorf("sweep expired leases: %w", err)
		}
		if n > 0 {
			logger.Info("expired leases recovered", "count", n)
		}
		return nil
	}
}

// HeartbeatJob returns a job that records one heartbeat per run.
func HeartbeatJob(b Beater) JobFunc {
	return func(ctx context.Context) error {
		b.Beat(ctx)
		return nil
	}
}
