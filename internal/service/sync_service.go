package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync-server/internal/config"
	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/logger"
	"fieldsync-server/internal/repository"

	"github.com/sirupsen/logrus"
)

const maxInvalidationIDs = 10

// SyncDeps groups the collaborators of SyncService.
type SyncDeps struct {
	Idempotency *IdempotencyService
	Conflicts   *ConflictService
	Applier     *ApplierService
	Access      *AccessService
	Store       repository.EntityStore
	Outcomes    repository.OutcomeRepository
	Batches     repository.BatchRepository
	Cursors     repository.CursorRepository
	References  repository.ReferenceRepository
	Devices     repository.DeviceRepository
	Audit       repository.AuditRepository
}

// SyncService owns the push, pull, ack, status and bootstrap protocol.
type SyncService struct {
	SyncDeps
	cfg config.SyncConfig
	log logrus.FieldLogger
	now func() time.Time
}

func NewSyncService(deps SyncDeps, cfg config.SyncConfig, log logrus.FieldLogger) *SyncService {
	return &SyncService{
		SyncDeps: deps,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// storeCtx bounds one persistence call. Final outcome writes pass a detached
// parent so an expired batch deadline cannot strand an applied mutation.
func (s *SyncService) storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.StoreTimeout)
}

func (s *SyncService) Push(ctx context.Context, id domain.Identity, req *domain.PushRequest) (*domain.PushResponse, error) {
	start := s.now().UTC()
	log := s.log.WithFields(logrus.Fields{
		"device_id": id.DeviceID,
		"batch_id":  req.BatchID,
		"actions":   len(req.Actions),
	})

	if len(req.Actions) > s.cfg.MaxBatchSize {
		log.Warn("push rejected, batch too large")
		resp := emptyPushResponse(req.BatchID, start)
		resp.Rejections = append(resp.Rejections, domain.Rejection{
			ClientActionID: "BATCH",
			ErrorCode:      domain.ErrValidation,
			Message:        fmt.Sprintf("batch size exceeded (max %d)", s.cfg.MaxBatchSize),
			Retryable:      true,
		})
		return resp, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	check, err := s.Idempotency.CheckBatchID(ctx, req.BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to check batch: %w", err)
	}
	if check.Batch != nil && check.Batch.DeviceID != id.DeviceID {
		return nil, ErrBatchOwnership
	}
	if check.Processed && !s.needsRework(check.Outcomes) {
		resp := buildPushResponse(req.BatchID, check.Outcomes, s.now().UTC())
		resp.Warnings = append(resp.Warnings, "batch already processed")
		log.Warn("duplicate batch replayed")
		return resp, nil
	}

	submitted := make([]string, len(req.Actions))
	for i := range req.Actions {
		submitted[i] = req.Actions[i].ClientActionID
	}
	actions := uniqueActions(req.Actions)
	ids := make([]string, len(actions))
	for i := range actions {
		ids[i] = actions[i].ClientActionID
	}

	batch := check.Batch
	if batch == nil {
		batch, err = s.receiveBatch(ctx, id, req.BatchID, submitted, start)
		if err != nil {
			return nil, err
		}
	}

	seen, err := s.Idempotency.CheckBatch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to classify actions: %w", err)
	}

	actor := Actor{UserID: id.UserID, DeviceID: id.DeviceID, BatchID: req.BatchID, Now: start}
	results := make(map[string]*domain.SyncOutcome, len(actions))
	replayed := 0
	for i := range actions {
		existing := seen.Duplicates[actions[i].ClientActionID]
		if existing != nil && !s.reprocessable(existing) {
			results[existing.ClientActionID] = existing
			replayed++
			continue
		}
		results[actions[i].ClientActionID] = s.processAction(ctx, actor, &actions[i], existing)
	}

	detached := context.WithoutCancel(ctx)
	s.markProcessed(detached, batch, submitted)

	// One entry per submitted action, repeats included.
	ordered := make([]*domain.SyncOutcome, len(submitted))
	for i, actionID := range submitted {
		ordered[i] = results[actionID]
	}

	resp := buildPushResponse(req.BatchID, ordered, s.now().UTC())
	if replayed > 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("%d action(s) already processed", replayed))
	}
	if repeats := len(submitted) - len(ids); repeats > 0 {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("%d repeated action id(s) in batch share one outcome", repeats))
	}

	s.touchDevice(detached, id, start, true)
	s.appendAudit(detached, &domain.AuditEntry{
		Kind:     domain.AuditPush,
		BatchID:  req.BatchID,
		UserID:   id.UserID,
		DeviceID: id.DeviceID,
		Details: map[string]interface{}{
			"total_actions": len(req.Actions),
			"new_actions":   len(actions) - replayed,
			"acked_count":   len(resp.AcknowledgedIDs),
			"failed_count":  len(resp.Rejections),
			"duration_ms":   s.now().Sub(start).Milliseconds(),
		},
		Success:   resp.Accepted,
		CreatedAt: start,
	})

	log.WithFields(logrus.Fields{
		"acked":       len(resp.AcknowledgedIDs),
		"failed":      len(resp.Rejections),
		"duration_ms": s.now().Sub(start).Milliseconds(),
	}).Info("push completed")

	return resp, nil
}

// needsRework reports whether a processed batch holds outcomes left by a
// server fault. Those never mutated anything, so the batch is run again
// instead of replayed.
func (s *SyncService) needsRework(outcomes []*domain.SyncOutcome) bool {
	for _, o := range outcomes {
		if s.reprocessable(o) {
			return true
		}
	}
	return false
}

// reprocessable is true for outcomes that may be claimed again: rejections
// caused by a server fault, and PENDING records abandoned by a crash or by a
// failed outcome write. Business rejections replay as recorded.
func (s *SyncService) reprocessable(o *domain.SyncOutcome) bool {
	switch o.Status {
	case domain.StatusRejected:
		return o.Retryable && o.Transient
	case domain.StatusPending:
		return s.now().Sub(o.CreatedAt) > 2*s.cfg.BatchTimeout
	}
	return false
}

func (s *SyncService) receiveBatch(ctx context.Context, id domain.Identity, batchID string, ids []string, at time.Time) (*domain.SyncBatch, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	batch := &domain.SyncBatch{
		ID:          batchID,
		UserID:      id.UserID,
		DeviceID:    id.DeviceID,
		ActionIDs:   ids,
		State:       domain.BatchReceived,
		ReceivedAt:  at,
		ReceivedSeq: at.UnixNano(),
	}
	err := s.Batches.Create(sctx, batch)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, repository.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to record batch: %w", err)
	}

	// Same batch id arriving concurrently; action idempotency covers the overlap.
	existing, err := s.Batches.FindByID(sctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if existing.DeviceID != id.DeviceID {
		return nil, ErrBatchOwnership
	}
	return existing, nil
}

func (s *SyncService) markProcessed(ctx context.Context, batch *domain.SyncBatch, ids []string) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	processedAt := s.now().UTC()
	batch.ActionIDs = ids
	batch.State = domain.BatchProcessed
	batch.ProcessedAt = &processedAt

	if err := s.Batches.Update(sctx, batch); err != nil {
		logger.LogError(s.log, "SyncService", "markProcessed", "batch stays RECEIVED, a resend reprocesses it",
			logrus.Fields{"batch_id": batch.ID}, err)
	}
}

// processAction runs one action through integrity, conflict check and apply,
// and records its outcome. It never fails the batch.
func (s *SyncService) processAction(ctx context.Context, actor Actor, action *domain.SyncAction, existing *domain.SyncOutcome) *domain.SyncOutcome {
	log := s.log.WithFields(logrus.Fields{
		"client_action_id": action.ClientActionID,
		"entity_type":      action.EntityType,
		"device_id":        actor.DeviceID,
	})
	detached := context.WithoutCancel(ctx)

	outcome := &domain.SyncOutcome{
		ClientActionID: action.ClientActionID,
		BatchID:        actor.BatchID,
		UserID:         actor.UserID,
		DeviceID:       actor.DeviceID,
		EntityType:     action.EntityType,
		EntityID:       action.EntityID,
		ActionKind:     action.ActionKind,
		Payload:        action.Payload,
		IntegrityHash:  action.IntegrityHash,
		OccurredAt:     action.OccurredAt.UTC(),
		Status:         domain.StatusPending,
		CreatedAt:      s.now().UTC(),
	}
	outcome.CreatedSeq = outcome.CreatedAt.UnixNano()

	if ctx.Err() != nil {
		s.settle(outcome, &ApplyResult{
			ErrorCode: domain.ErrValidation,
			Message:   "batch deadline exceeded before the action was processed",
			Transient: true,
		})
		if winner, ok := s.claim(detached, outcome, existing); !ok {
			return winner
		}
		return outcome
	}

	if winner, ok := s.claim(ctx, outcome, existing); !ok {
		return winner
	}

	var result *ApplyResult
	if !s.Idempotency.VerifyIntegrity(action.Payload, action.IntegrityHash) {
		result = &ApplyResult{ErrorCode: domain.ErrChecksumMismatch, Message: "payload checksum mismatch"}
		s.appendAudit(detached, &domain.AuditEntry{
			Kind:           domain.AuditConflict,
			BatchID:        actor.BatchID,
			ClientActionID: action.ClientActionID,
			UserID:         actor.UserID,
			DeviceID:       actor.DeviceID,
			EntityType:     action.EntityType,
			EntityID:       action.EntityID,
			ActionKind:     action.ActionKind,
			ErrorCode:      domain.ErrChecksumMismatch,
			Message:        result.Message,
			CreatedAt:      actor.Now,
		})
	} else {
		recovered := false
		err := s.Store.RunInTx(ctx, func(tx repository.EntityTx) error {
			result = nil
			recovered = false
			if existing != nil {
				serverID, applied, err := s.Applier.AlreadyApplied(ctx, tx, action)
				if err != nil {
					return err
				}
				if applied {
					result = &ApplyResult{Success: true, ServerEntityID: serverID}
					recovered = true
					return nil
				}
			}

			ev, err := s.Conflicts.Evaluate(ctx, tx, action, actor)
			if err != nil {
				return err
			}
			if !ev.Admissible {
				result = &ApplyResult{ErrorCode: ev.ErrorCode, Message: ev.Message, Hint: ev.Hint}
				return nil
			}
			result, err = s.Applier.Apply(ctx, tx, action, actor)
			return err
		})
		if err != nil {
			log.WithError(err).Error("sync action failed to apply")
			result = &ApplyResult{
				ErrorCode: domain.ErrValidation,
				Message:   "temporary failure while applying the action, retry later",
				Transient: true,
			}
		} else if recovered {
			log.WithField("server_entity_id", result.ServerEntityID).
				Warn("mutation found already applied, outcome restored")
		}
	}

	s.settle(outcome, result)

	sctx, cancel := s.storeCtx(detached)
	defer cancel()
	if err := s.Outcomes.Update(sctx, outcome); err != nil {
		logger.LogError(log, "SyncService", "processAction", "outcome left PENDING, restored from the entity stamp once stale",
			logrus.Fields{"status": outcome.Status}, err)
	}

	return outcome
}

// claim persists outcome as this request's record of the action. When another
// request got there first it returns that record and false.
func (s *SyncService) claim(ctx context.Context, outcome, existing *domain.SyncOutcome) (*domain.SyncOutcome, bool) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var err error
	if existing == nil {
		err = s.Outcomes.Create(sctx, outcome)
	} else {
		outcome.Rev = existing.Rev
		err = s.Outcomes.Update(sctx, outcome)
	}
	if err == nil {
		return outcome, true
	}

	if errors.Is(err, repository.ErrAlreadyExists) || errors.Is(err, repository.ErrRevisionConflict) {
		if winner, ferr := s.Outcomes.FindByID(sctx, outcome.ClientActionID); ferr == nil {
			return winner, false
		}
	}

	logger.LogError(s.log, "SyncService", "claim", "could not record outcome",
		logrus.Fields{"client_action_id": outcome.ClientActionID}, err)

	transient := *outcome
	s.settle(&transient, &ApplyResult{
		ErrorCode: domain.ErrValidation,
		Message:   "temporary storage failure, retry later",
		Transient: true,
	})
	return &transient, false
}

func (s *SyncService) settle(outcome *domain.SyncOutcome, result *ApplyResult) {
	if result != nil && result.Success {
		appliedAt := s.now().UTC()
		outcome.Status = domain.StatusApplied
		outcome.ServerEntityID = result.ServerEntityID
		outcome.AppliedAt = &appliedAt
		outcome.AppliedSeq = appliedAt.UnixNano()
		outcome.ErrorCode = ""
		outcome.Message = ""
		outcome.Resolution = nil
		outcome.Retryable = false
		outcome.Transient = false
		return
	}

	code := domain.ErrValidation
	var message string
	var hint *domain.ResolutionHint
	transient := result == nil
	if result != nil {
		transient = result.Transient
		if result.ErrorCode != "" {
			code = result.ErrorCode
		}
		message = result.Message
		hint = result.Hint
	}
	outcome.Status = domain.StatusRejected
	outcome.ErrorCode = code
	outcome.Message = message
	outcome.Resolution = hint
	outcome.Retryable = code.Retryable()
	outcome.Transient = transient && outcome.Retryable
}

func emptyPushResponse(batchID string, now time.Time) *domain.PushResponse {
	return &domain.PushResponse{
		BatchID:         batchID,
		AcknowledgedIDs: []string{},
		ServerIDs:       map[string]string{},
		Rejections:      []domain.Rejection{},
		ServerTime:      now,
		Warnings:        []string{},
	}
}

// buildPushResponse renders outcome records. First runs and replays both go
// through here, which keeps their per-action results identical.
func buildPushResponse(batchID string, outcomes []*domain.SyncOutcome, now time.Time) *domain.PushResponse {
	resp := emptyPushResponse(batchID, now)

	for _, o := range outcomes {
		switch o.Status {
		case domain.StatusApplied, domain.StatusAcknowledged:
			resp.AcknowledgedIDs = append(resp.AcknowledgedIDs, o.ClientActionID)
			if o.ServerEntityID != "" {
				resp.ServerIDs[o.ClientActionID] = o.ServerEntityID
			}
		case domain.StatusRejected:
			resp.Rejections = append(resp.Rejections, domain.Rejection{
				ClientActionID: o.ClientActionID,
				ErrorCode:      o.ErrorCode,
				Message:        o.Message,
				Retryable:      o.Retryable,
				Resolution:     o.Resolution,
			})
		default:
			resp.Rejections = append(resp.Rejections, domain.Rejection{
				ClientActionID: o.ClientActionID,
				ErrorCode:      domain.ErrValidation,
				Message:        "action is still being processed",
				Retryable:      true,
			})
		}
	}

	resp.Accepted = len(resp.Rejections) == 0
	return resp
}

func uniqueActions(in []domain.SyncAction) []domain.SyncAction {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.SyncAction, 0, len(in))
	for _, a := range in {
		if _, ok := seen[a.ClientActionID]; ok {
			continue
		}
		seen[a.ClientActionID] = struct{}{}
		out = append(out, a)
	}
	return out
}

func (s *SyncService) Pull(ctx context.Context, id domain.Identity, req *domain.PullRequest) (*domain.PullResponse, error) {
	start := s.now().UTC()

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultPullLimit
	}
	if limit > s.cfg.MaxPullLimit {
		limit = s.cfg.MaxPullLimit
	}

	cursor, err := repository.DecodeCursor(req.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPullCursor, err)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	access, err := s.Access.Status(sctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load access status: %w", err)
	}

	resp := &domain.PullResponse{
		Outcomes:           []domain.ServerEvent{},
		ServerTime:         start,
		CacheInvalidations: []domain.CacheInvalidation{},
		DeviceStatus:       DeviceStatusFor(access),
	}
	if !access.DeviceActive || !access.UserActive {
		s.log.WithFields(logrus.Fields{
			"device_id":     id.DeviceID,
			"device_active": access.DeviceActive,
			"user_active":   access.UserActive,
		}).Warn("pull from inactive device or user, returning status only")
		return resp, nil
	}

	var afterSeq int64
	if !req.Since.IsZero() {
		afterSeq = req.Since.UnixNano()
	}

	rows, err := s.Outcomes.ListApplied(sctx, repository.AppliedQuery{
		ExcludeDeviceID: id.DeviceID,
		AfterSeq:        afterSeq,
		EntityTypes:     req.EntityTypes,
		Cursor:          cursor,
		Limit:           limit + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list applied outcomes: %w", err)
	}

	visible := make([]*domain.SyncOutcome, 0, len(rows))
	for _, o := range rows {
		if o.DeviceID == id.DeviceID || !cursor.After(o.AppliedSeq, o.ClientActionID) {
			continue
		}
		visible = append(visible, o)
	}

	if len(visible) > limit {
		resp.HasMore = true
		visible = visible[:limit]
		last := visible[len(visible)-1]
		resp.NextCursor = repository.EncodeCursor(repository.PageCursor{
			AppliedSeq:     last.AppliedSeq,
			ClientActionID: last.ClientActionID,
		})
	}

	for _, o := range visible {
		ev := domain.ServerEvent{
			ClientActionID: o.ClientActionID,
			EntityType:     o.EntityType,
			EntityID:       o.EntityID,
			ServerEntityID: o.ServerEntityID,
			ActionKind:     o.ActionKind,
			Payload:        o.Payload,
			OccurredAt:     o.OccurredAt,
			UserID:         o.UserID,
			SourceDeviceID: o.DeviceID,
		}
		if o.AppliedAt != nil {
			ev.AppliedAt = *o.AppliedAt
		}
		resp.Outcomes = append(resp.Outcomes, ev)
	}

	invalidations, err := s.cacheInvalidations(sctx, afterSeq)
	if err != nil {
		logger.LogError(s.log, "SyncService", "Pull", "cache invalidations skipped",
			logrus.Fields{"device_id": id.DeviceID}, err)
	} else {
		resp.CacheInvalidations = invalidations
	}

	detached := context.WithoutCancel(ctx)
	s.touchDevice(detached, id, start, false)
	s.appendAudit(detached, &domain.AuditEntry{
		Kind:     domain.AuditPull,
		UserID:   id.UserID,
		DeviceID: id.DeviceID,
		Details: map[string]interface{}{
			"since":       req.Since,
			"event_count": len(resp.Outcomes),
			"has_more":    resp.HasMore,
			"duration_ms": s.now().Sub(start).Milliseconds(),
		},
		Success:   true,
		CreatedAt: start,
	})

	s.log.WithFields(logrus.Fields{
		"device_id": id.DeviceID,
		"events":    len(resp.Outcomes),
		"has_more":  resp.HasMore,
	}).Info("pull completed")

	return resp, nil
}

func (s *SyncService) cacheInvalidations(ctx context.Context, afterSeq int64) ([]domain.CacheInvalidation, error) {
	sources := []struct {
		entityType string
		docType    string
		reason     string
	}{
		{"PRODUCT", domain.DocTypeProduct, "products updated"},
		{"CLIENT", domain.DocTypeClient, "clients updated"},
	}

	invalidations := []domain.CacheInvalidation{}
	for _, src := range sources {
		ids, err := s.References.ChangedIDs(ctx, src.docType, afterSeq, maxInvalidationIDs+1)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}
		if len(ids) > maxInvalidationIDs {
			ids = []string{"*"}
		}
		invalidations = append(invalidations, domain.CacheInvalidation{
			EntityType: src.entityType,
			EntityIDs:  ids,
			Reason:     src.reason,
		})
	}
	return invalidations, nil
}

func (s *SyncService) Status(ctx context.Context, id domain.Identity) (*domain.StatusResponse, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	cursor, err := s.Cursors.Get(sctx, id.UserID, id.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync cursor: %w", err)
	}

	pending, err := s.Outcomes.CountPending(sctx, id.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending outcomes: %w", err)
	}

	var afterSeq int64
	if cursor.LastPullAt != nil {
		afterSeq = cursor.LastPullAt.UnixNano()
	}
	newer, err := s.Outcomes.ListApplied(sctx, repository.AppliedQuery{
		ExcludeDeviceID: id.DeviceID,
		AfterSeq:        afterSeq,
		Limit:           1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check for new outcomes: %w", err)
	}

	access, err := s.Access.Status(sctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load access status: %w", err)
	}

	return &domain.StatusResponse{
		PullRequired:       len(newer) > 0,
		PendingActionCount: pending,
		ServerTime:         s.now().UTC(),
		LastPushAt:         cursor.LastPushAt,
		LastPullAt:         cursor.LastPullAt,
		DeviceActive:       access.DeviceActive,
		UserActive:         access.UserActive,
	}, nil
}

func (s *SyncService) Bootstrap(ctx context.Context, id domain.Identity, req *domain.BootstrapRequest) (*domain.BootstrapResponse, error) {
	now := s.now()
	resp := &domain.BootstrapResponse{
		ServerTime:               now.UTC(),
		DataVersion:              now.UTC().Format("2006-01-02"),
		NextBootstrapRecommended: nextMorning(now),
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var err error
	for _, entity := range uniqueStrings(req.Entities) {
		switch strings.ToLower(entity) {
		case "products", "products_pf":
			resp.Products, err = s.References.ListActiveProducts(sctx)
		case "clients":
			resp.Clients, err = s.References.ListClients(sctx)
		case "deliveries", "deliveries_pending":
			resp.DeliveriesPending, err = s.References.ListPendingDeliveries(sctx)
		case "stock", "stock_pf":
			resp.StockPF, err = s.stockSnapshot(sctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", entity, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"device_id": id.DeviceID,
		"entities":  req.Entities,
	}).Info("bootstrap completed")

	return resp, nil
}

// stockSnapshot reports remaining stock for every active product, including
// products with no active lot.
func (s *SyncService) stockSnapshot(ctx context.Context) ([]domain.StockLevel, error) {
	products, err := s.References.ListActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := s.References.SumActiveStock(ctx)
	if err != nil {
		return nil, err
	}

	levels := make([]domain.StockLevel, 0, len(products))
	for _, p := range products {
		current := totals[p.ID]
		levels = append(levels, domain.StockLevel{
			ProductID:    p.ID,
			ProductCode:  p.Code,
			ProductName:  p.Name,
			CurrentStock: current,
			MinStock:     p.MinStock,
			Unit:         p.Unit,
			Status:       domain.StockStatusFor(current, p.MinStock),
		})
	}
	return levels, nil
}

// nextMorning is 06:00 on the day after now, in now's location.
func nextMorning(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 6, 0, 0, 0, now.Location())
}

func (s *SyncService) Acknowledge(ctx context.Context, id domain.Identity, req *domain.AckRequest) (*domain.AckResponse, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	count, err := s.Idempotency.Acknowledge(sctx, req.ClientActionIDs, id.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge outcomes: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"device_id":    id.DeviceID,
		"requested":    len(req.ClientActionIDs),
		"acknowledged": count,
	}).Debug("outcomes acknowledged")

	return &domain.AckResponse{
		AcknowledgedCount: count,
		ServerTime:        s.now().UTC(),
	}, nil
}

// Unacknowledged lists what the device still has to ack. A zero since covers
// the whole retention window.
func (s *SyncService) Unacknowledged(ctx context.Context, id domain.Identity, since time.Time) ([]domain.UnackedOutcome, error) {
	if since.IsZero() {
		since = s.now().AddDate(0, 0, -s.cfg.RetentionDays)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	outcomes, err := s.Idempotency.FindUnacknowledged(sctx, id.DeviceID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list unacknowledged outcomes: %w", err)
	}

	out := make([]domain.UnackedOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, domain.UnackedOutcome{
			ClientActionID: o.ClientActionID,
			BatchID:        o.BatchID,
			Status:         o.Status,
			ServerEntityID: o.ServerEntityID,
			AppliedAt:      o.AppliedAt,
		})
	}
	return out, nil
}

func (s *SyncService) touchDevice(ctx context.Context, id domain.Identity, at time.Time, push bool) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var err error
	if push {
		err = s.Cursors.TouchPush(sctx, id.UserID, id.DeviceID, at)
	} else {
		err = s.Cursors.TouchPull(sctx, id.UserID, id.DeviceID, at)
	}
	if err != nil {
		logger.LogError(s.log, "SyncService", "touchDevice", "cursor not updated",
			logrus.Fields{"device_id": id.DeviceID, "push": push}, err)
	}

	if err := s.Devices.UpdateLastSync(sctx, id.DeviceID, at); err != nil {
		logger.LogError(s.log, "SyncService", "touchDevice", "device last sync not updated",
			logrus.Fields{"device_id": id.DeviceID}, err)
	}
}

func (s *SyncService) appendAudit(ctx context.Context, entry *domain.AuditEntry) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if err := s.Audit.Append(sctx, entry); err != nil {
		logger.LogError(s.log, "SyncService", "appendAudit", string(entry.Kind),
			logrus.Fields{"batch_id": entry.BatchID, "client_action_id": entry.ClientActionID}, err)
	}
}
