package service

import (
	"context"
	"fmt"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"

	"github.com/sirupsen/logrus"
)

// ApplierService executes admitted actions. Every successful mutation leaves
// an audit entry tagged with its batch and device.
type ApplierService struct {
	registry *PolicyRegistry
	log      logrus.FieldLogger
}

func NewApplierService(registry *PolicyRegistry, log logrus.FieldLogger) *ApplierService {
	return &ApplierService{
		registry: registry,
		log:      log,
	}
}

// AlreadyApplied reports whether action's mutation is already on its entity,
// with the server id it produced.
func (s *ApplierService) AlreadyApplied(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction) (string, bool, error) {
	policy, ok := s.registry.Lookup(action.EntityType, action.ActionKind)
	if !ok {
		return "", false, nil
	}
	serverID, applied, err := policy.Applied(ctx, tx, action)
	if err != nil {
		return "", false, fmt.Errorf("lookup %s/%s: %w", action.EntityType, action.ActionKind, err)
	}
	return serverID, applied, nil
}

func (s *ApplierService) Apply(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (*ApplyResult, error) {
	policy, ok := s.registry.Lookup(action.EntityType, action.ActionKind)
	if !ok {
		return &ApplyResult{
			ErrorCode: domain.ErrValidation,
			Message:   fmt.Sprintf("unsupported action %s for %s", action.ActionKind, action.EntityType),
		}, nil
	}

	result, err := policy.Apply(ctx, tx, action, actor)
	if err != nil {
		return nil, fmt.Errorf("apply %s/%s: %w", action.EntityType, action.ActionKind, err)
	}

	entry := &domain.AuditEntry{
		Kind:           domain.AuditEntityMutated,
		BatchID:        actor.BatchID,
		ClientActionID: action.ClientActionID,
		UserID:         actor.UserID,
		DeviceID:       actor.DeviceID,
		EntityType:     action.EntityType,
		EntityID:       action.EntityID,
		ActionKind:     action.ActionKind,
		Success:        result.Success,
		CreatedAt:      actor.Now,
	}
	if result.Success {
		entry.AfterState = result.AfterState
		entry.Details = map[string]interface{}{"server_entity_id": result.ServerEntityID}
		s.log.WithFields(logrus.Fields{
			"client_action_id": action.ClientActionID,
			"entity_type":      action.EntityType,
			"server_entity_id": result.ServerEntityID,
			"device_id":        actor.DeviceID,
		}).Info("sync action applied")
	} else {
		entry.ErrorCode = result.ErrorCode
		entry.Message = result.Message
		entry.Resolution = result.Hint
	}
	tx.Audit(entry)

	return result, nil
}
