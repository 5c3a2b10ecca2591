package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"

	"github.com/gowebpki/jcs"
	"github.com/sirupsen/logrus"
)

type IdempotencyCheck struct {
	Duplicate bool
	Existing  *domain.SyncOutcome
}

type IdempotencyBatchCheck struct {
	NewIDs     []string
	Duplicates map[string]*domain.SyncOutcome
}

// BatchCheck reports a known batch. Outcomes follow the original submission
// order and are only filled in once the batch is processed.
type BatchCheck struct {
	Processed bool
	Batch     *domain.SyncBatch
	Outcomes  []*domain.SyncOutcome
}

type IdempotencyService struct {
	outcomes repository.OutcomeRepository
	batches  repository.BatchRepository
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewIdempotencyService(outcomes repository.OutcomeRepository, batches repository.BatchRepository, log logrus.FieldLogger) *IdempotencyService {
	return &IdempotencyService{
		outcomes: outcomes,
		batches:  batches,
		log:      log,
		now:      time.Now,
	}
}

func (s *IdempotencyService) CheckAction(ctx context.Context, clientActionID string) (*IdempotencyCheck, error) {
	outcome, err := s.outcomes.FindByID(ctx, clientActionID)
	if errors.Is(err, repository.ErrNotFound) {
		return &IdempotencyCheck{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &IdempotencyCheck{Duplicate: true, Existing: outcome}, nil
}

// CheckBatch classifies ids with a single lookup.
func (s *IdempotencyService) CheckBatch(ctx context.Context, clientActionIDs []string) (*IdempotencyBatchCheck, error) {
	found, err := s.outcomes.FindMany(ctx, clientActionIDs)
	if err != nil {
		return nil, err
	}

	check := &IdempotencyBatchCheck{Duplicates: make(map[string]*domain.SyncOutcome, len(found))}
	for _, id := range clientActionIDs {
		if o, ok := found[id]; ok {
			check.Duplicates[id] = o
			continue
		}
		check.NewIDs = append(check.NewIDs, id)
	}
	return check, nil
}

func (s *IdempotencyService) CheckBatchID(ctx context.Context, batchID string) (*BatchCheck, error) {
	batch, err := s.batches.FindByID(ctx, batchID)
	if errors.Is(err, repository.ErrNotFound) {
		return &BatchCheck{}, nil
	}
	if err != nil {
		return nil, err
	}
	if batch.State != domain.BatchProcessed {
		return &BatchCheck{Batch: batch}, nil
	}

	found, err := s.outcomes.FindMany(ctx, batch.ActionIDs)
	if err != nil {
		return nil, err
	}

	outcomes := make([]*domain.SyncOutcome, 0, len(batch.ActionIDs))
	for _, id := range batch.ActionIDs {
		o, ok := found[id]
		if !ok {
			// Purged by retention; the batch can no longer be replayed verbatim.
			return &BatchCheck{Batch: batch}, nil
		}
		outcomes = append(outcomes, o)
	}

	return &BatchCheck{Processed: true, Batch: batch, Outcomes: outcomes}, nil
}

// PayloadHash is the hex SHA-256 of the RFC 8785 canonical form of payload.
func PayloadHash(payload map[string]interface{}) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (s *IdempotencyService) VerifyIntegrity(payload map[string]interface{}, supplied string) bool {
	computed, err := PayloadHash(payload)
	if err != nil {
		s.log.WithError(err).Warn("payload could not be hashed")
		return false
	}

	supplied = strings.ToLower(strings.TrimSpace(supplied))
	if subtle.ConstantTimeCompare([]byte(computed), []byte(supplied)) == 1 {
		return true
	}

	s.log.WithFields(logrus.Fields{
		"supplied": prefix(supplied, 16),
		"computed": prefix(computed, 16),
	}).Warn("payload hash mismatch")
	return false
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Acknowledge moves the device's APPLIED outcomes to ACKNOWLEDGED. Anything
// else in ids is ignored.
func (s *IdempotencyService) Acknowledge(ctx context.Context, clientActionIDs []string, deviceID string) (int, error) {
	ids := uniqueStrings(clientActionIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	return s.outcomes.Acknowledge(ctx, ids, deviceID, s.now().UTC())
}

func (s *IdempotencyService) FindUnacknowledged(ctx context.Context, deviceID string, since time.Time) ([]*domain.SyncOutcome, error) {
	return s.outcomes.ListUnacknowledged(ctx, deviceID, since)
}

const purgePageSize = 500

// PurgeExpired deletes acknowledged or rejected outcomes and processed batches
// received before olderThan.
func (s *IdempotencyService) PurgeExpired(ctx context.Context, olderThan time.Time) (outcomes int, batches int, err error) {
	for {
		n, err := s.outcomes.DeleteTerminalBefore(ctx, olderThan, purgePageSize)
		if err != nil {
			return outcomes, batches, err
		}
		outcomes += n
		if n < purgePageSize {
			break
		}
	}

	for {
		n, err := s.batches.DeleteProcessedBefore(ctx, olderThan, purgePageSize)
		if err != nil {
			return outcomes, batches, err
		}
		batches += n
		if n < purgePageSize {
			break
		}
	}

	return outcomes, batches, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
