package service

import (
	"context"
	"errors"
	"time"

	"fieldsync-server/internal/logger"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const purgeLockKey = "fieldsync:lock:purge"

// PurgeResult summarizes one retention run.
type PurgeResult struct {
	Outcomes int
	Batches  int
	Skipped  bool
}

// PurgeService drops idempotency records older than the retention window.
// With a locker configured only one instance purges at a time.
type PurgeService struct {
	idem          *IdempotencyService
	locker        *redislock.Client
	retentionDays int
	lockTTL       time.Duration
	log           logrus.FieldLogger
	now           func() time.Time
}

func NewPurgeService(idem *IdempotencyService, locker *redislock.Client, retentionDays int, log logrus.FieldLogger) *PurgeService {
	return &PurgeService{
		idem:          idem,
		locker:        locker,
		retentionDays: retentionDays,
		lockTTL:       10 * time.Minute,
		log:           log,
		now:           time.Now,
	}
}

func (s *PurgeService) Run(ctx context.Context) (*PurgeResult, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, purgeLockKey, s.lockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.log.Debug("purge already running elsewhere, skipping")
			return &PurgeResult{Skipped: true}, nil
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				logger.LogError(s.log, "PurgeService", "Run", "failed to release purge lock", nil, err)
			}
		}()
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)
	outcomes, batches, err := s.idem.PurgeExpired(ctx, cutoff)
	result := &PurgeResult{Outcomes: outcomes, Batches: batches}
	if err != nil {
		return result, err
	}

	s.log.WithFields(logrus.Fields{
		"cutoff":   cutoff,
		"outcomes": outcomes,
		"batches":  batches,
	}).Info("retention purge completed")

	return result, nil
}

// Loop runs a purge every interval until ctx is done.
func (s *PurgeService) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				logger.LogError(s.log, "PurgeService", "Loop", "retention purge failed", nil, err)
			}
		}
	}
}
