package cleanup

import (
	"context"
	"log/slog"
	"time"

	"authcore/internal/lib/sl"
)

type SessionSweeper interface {
	SweepExpiredSessions(ctx context.Context, limit int) (int64, error)
}

type RevokedPruner interface {
	PruneRevokedTokens(ctx context.Context, limit int) (int64, error)
}

// Scheduler runs the expiry sweeps on independent cadences: sessions on the
// short interval, revoked-token pruning on the long one. Each sweep works in
// bounded batches and never holds anything that blocks live auth traffic; a
// failed sweep waits for the next tick rather than retrying.
type Scheduler struct {
	logger          *slog.Logger
	sessions        SessionSweeper
	revoked         RevokedPruner
	sessionInterval time.Duration
	revokedInterval time.Duration
	batchSize       int
}

func New(
	logger *slog.Logger,
	sessions SessionSweeper,
	revoked RevokedPruner,
	sessionInterval, revokedInterval time.Duration,
	batchSize int,
) *Scheduler {
	return &Scheduler{
		logger:          logger,
		sessions:        sessions,
		revoked:         revoked,
		sessionInterval: sessionInterval,
		revokedInterval: revokedInterval,
		batchSize:       batchSize,
	}
}

// Run blocks until ctx is canceled. Both sweeps fire once at startup and
// then on their tickers.
func (s *Scheduler) Run(ctx context.Context) {
	const op = "cleanup.Run"
	log := s.logger.With(slog.String("op", op))

	log.Info("cleanup scheduler started",
		slog.Duration("sessionInterval", s.sessionInterval),
		slog.Duration("revokedInterval", s.revokedInterval),
	)

	sessionTicker := time.NewTicker(s.sessionInterval)
	defer sessionTicker.Stop()
	revokedTicker := time.NewTicker(s.revokedInterval)
	defer revokedTicker.Stop()

	s.sweepSessions(ctx)
	s.pruneRevoked(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup scheduler stopped")
			return
		case <-sessionTicker.C:
			s.sweepSessions(ctx)
		case <-revokedTicker.C:
			s.pruneRevoked(ctx)
		}
	}
}

func (s *Scheduler) sweepSessions(ctx context.Context) {
	const op = "cleanup.sweepSessions"
	log := s.logger.With(slog.String("op", op))

	var total int64
	for {
		count, err := s.sessions.SweepExpiredSessions(ctx, s.batchSize)
		if err != nil {
			log.Error("session sweep failed", sl.Err(err))
			return
		}
		total += count
		if count < int64(s.batchSize) {
			break
		}
	}

	if total > 0 {
		log.Info("expired sessions deactivated", slog.Int64("count", total))
	}
}

func (s *Scheduler) pruneRevoked(ctx context.Context) {
	const op = "cleanup.pruneRevoked"
	log := s.logger.With(slog.String("op", op))

	var total int64
	for {
		count, err := s.revoked.PruneRevokedTokens(ctx, s.batchSize)
		if err != nil {
			log.Error("revoked-token prune failed", sl.Err(err))
			return
		}
		total += count
		if count < int64(s.batchSize) {
			break
		}
	}

	if total > 0 {
		log.Info("expired denylist entries pruned", slog.Int64("count", total))
	}
}
