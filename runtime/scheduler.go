// Package runtime hosts the background maintenance loop: periodic
// consolidation of pending feedback and age-based pruning of memory
// records. Briefing runs themselves are driven by connectors calling the
// coordinator; this loop only handles the work no external caller owns.
package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/briefd/config"
	"github.com/tidewater/briefd/consolidate"
	"github.com/tidewater/briefd/memory"
	"github.com/tidewater/briefd/runner"
)

// Scheduler polls for users due for consolidation and runs retention
// pruning on its configured cadence.
type Scheduler struct {
	store        *memory.Store
	consolidator *consolidate.Consolidator
	locks        *runner.UserLocks
	cfg          *config.Config
	pruneSched   ScheduleParser
	logger       zerolog.Logger
}

// NewScheduler creates a scheduler sharing the coordinator's lock registry,
// so consolidation never interleaves with an active briefing run.
func NewScheduler(store *memory.Store, consolidator *consolidate.Consolidator, locks *runner.UserLocks, cfg *config.Config, logger zerolog.Logger) (*Scheduler, error) {
	pruneSched, err := ParseSchedule(cfg.Scheduler.PruneSchedule)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		store:        store,
		consolidator: consolidator,
		locks:        locks,
		cfg:          cfg,
		pruneSched:   pruneSched,
		logger:       logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start begins the polling loop and blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("poll_interval", s.cfg.Scheduler.PollInterval.Duration()).
		Str("prune_schedule", s.cfg.Scheduler.PruneSchedule).
		Msg("Starting scheduler")

	ticker := time.NewTicker(s.cfg.Scheduler.PollInterval.Duration())
	defer ticker.Stop()

	nextPrune := s.pruneSched.Next(time.Now())
	s.consolidateDueUsers(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped: context cancelled")
			return
		case <-ticker.C:
			s.consolidateDueUsers(ctx)
			if now := time.Now(); now.After(nextPrune) {
				s.pruneAll(ctx, now)
				nextPrune = s.pruneSched.Next(now)
			}
		}
	}
}

// consolidateDueUsers consolidates every user whose pending feedback meets
// the minimum batch size. Smaller backlogs wait for more signal.
func (s *Scheduler) consolidateDueUsers(ctx context.Context) {
	pending, err := s.store.PendingFeedbackCounts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load pending feedback counts")
		return
	}
	for userID, count := range pending {
		if count < int64(s.cfg.Consolidation.MinBatchSize) {
			continue
		}
		s.consolidateUser(ctx, userID, count)
	}
}

func (s *Scheduler) consolidateUser(ctx context.Context, userID string, pending int64) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	delta, err := s.consolidator.Consolidate(ctx, userID, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Consolidation failed")
		return
	}
	if delta.Skipped {
		return
	}
	s.logger.Info().
		Str("user_id", userID).
		Int64("pending", pending).
		Int("applied", delta.EventsApplied).
		Msg("Consolidated user feedback")
}

// pruneAll applies the retention policy to every known user.
func (s *Scheduler) pruneAll(ctx context.Context, now time.Time) {
	if s.cfg.Retention.MaxAge <= 0 {
		return
	}
	users, err := s.store.Users(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list users for pruning")
		return
	}
	olderThan := now.Add(-s.cfg.Retention.MaxAge.Duration())
	for _, userID := range users {
		s.locks.Lock(userID)
		count, err := s.store.Prune(ctx, userID, olderThan)
		s.locks.Unlock(userID)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("Prune failed")
			continue
		}
		if count > 0 {
			s.logger.Info().Str("user_id", userID).Int64("pruned", count).Msg("Pruned aged memory records")
		}
	}
}
