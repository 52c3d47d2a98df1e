package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeadlineExpiredReason is recorded on every transaction approved by the
// sweep.
const DeadlineExpiredReason = "deadline expired"

// sweepBatchLimit caps how many expired batches one sweep pass processes.
const sweepBatchLimit = 100

// Sweeper auto-approves batches whose verification deadline has passed
// without a completed session. The scheduler owns the cadence; RunOnce is
// one full pass.
type Sweeper struct {
	service *Service
	store   Store
	logger  *slog.Logger
}

// NewSweeper creates a deadline sweeper.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{service: service, store: store, logger: logger}
}

// RunOnce sweeps every expired batch and reports how many were approved.
// Individual failures are logged and do not stop the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (swept int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in auto-approval sweep", "panic", fmt.Sprint(r))
		}
	}()

	now := time.Now().UTC()
	expired, err := s.store.ListExpiredBatches(ctx, now, sweepBatchLimit)
	if err != nil {
		s.logger.Warn("failed to list expired batches", "error", err)
		return 0
	}

	for _, batch := range expired {
		if _, err := s.service.AutoApproveBatch(ctx, batch.ID, DeadlineExpiredReason); err != nil {
			s.logger.Warn("failed to auto-approve expired batch",
				"batch_id", batch.ID, "error", err)
			continue
		}
		swept++
		s.logger.Info("auto-approved expired batch",
			"batch_id", batch.ID,
			"business_id", batch.BusinessID,
			"deadline", batch.VerificationDeadline,
		)
	}
	return swept
}
