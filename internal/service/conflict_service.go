package service

import (
	"context"
	"fmt"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"

	"github.com/sirupsen/logrus"
)

// ConflictService decides, against the state visible in the transaction,
// whether an action may be applied.
type ConflictService struct {
	registry *PolicyRegistry
	log      logrus.FieldLogger
}

func NewConflictService(registry *PolicyRegistry, log logrus.FieldLogger) *ConflictService {
	return &ConflictService{
		registry: registry,
		log:      log,
	}
}

func (s *ConflictService) Evaluate(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (Evaluation, error) {
	policy, ok := s.registry.Lookup(action.EntityType, action.ActionKind)
	if !ok {
		ev := reject(domain.ErrValidation,
			fmt.Sprintf("unsupported action %s for %s", action.ActionKind, action.EntityType), nil)
		s.recordRejection(tx, action, actor, ev)
		return ev, nil
	}

	ev, err := policy.Evaluate(ctx, tx, action, actor)
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate %s/%s: %w", action.EntityType, action.ActionKind, err)
	}

	if !ev.Admissible {
		s.recordRejection(tx, action, actor, ev)
	}

	return ev, nil
}

func (s *ConflictService) recordRejection(tx repository.EntityTx, action *domain.SyncAction, actor Actor, ev Evaluation) {
	s.log.WithFields(logrus.Fields{
		"client_action_id": action.ClientActionID,
		"entity_type":      action.EntityType,
		"entity_id":        action.EntityID,
		"error_code":       ev.ErrorCode,
		"device_id":        actor.DeviceID,
	}).Info("sync action rejected by conflict check")

	tx.Audit(&domain.AuditEntry{
		Kind:           domain.AuditConflict,
		BatchID:        actor.BatchID,
		ClientActionID: action.ClientActionID,
		UserID:         actor.UserID,
		DeviceID:       actor.DeviceID,
		EntityType:     action.EntityType,
		EntityID:       action.EntityID,
		ActionKind:     action.ActionKind,
		ErrorCode:      ev.ErrorCode,
		Message:        ev.Message,
		Resolution:     ev.Hint,
		Success:        false,
		CreatedAt:      actor.Now,
	})
}
