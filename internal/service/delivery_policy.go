package service

import (
	"context"
	"errors"
	"time"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"
)

// deliveryPolicy is first-wins: once a delivery is validated or cancelled,
// every later validation or cancellation is rejected.
type deliveryPolicy struct {
	users repository.UserRepository
}

func (p *deliveryPolicy) Evaluate(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, _ Actor) (Evaluation, error) {
	delivery, err := tx.GetDelivery(ctx, action.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		return reject(domain.ErrEntityNotFound, "delivery not found", nil), nil
	}
	if err != nil {
		return Evaluation{}, err
	}

	switch action.ActionKind {
	case domain.ActionDeliveryValidated:
		switch delivery.Status {
		case domain.DeliveryValidated:
			validator := p.validatorName(ctx, delivery.ValidatedByUserID)
			data := map[string]interface{}{
				"validatedBy":       validator,
				"validatedByUserId": delivery.ValidatedByUserID,
			}
			if delivery.ValidatedAt != nil {
				data["validatedAt"] = delivery.ValidatedAt.UTC().Format(time.RFC3339Nano)
			}
			return reject(domain.ErrAlreadyValidated, "delivery already validated by "+validator,
				&domain.ResolutionHint{Action: domain.ResolveDiscardLocal, Data: data}), nil
		case domain.DeliveryCancelled:
			return reject(domain.ErrAlreadyCancelled, "delivery was cancelled", cancelledHint(delivery)), nil
		}

	case domain.ActionDeliveryCancelled:
		switch delivery.Status {
		case domain.DeliveryValidated:
			return reject(domain.ErrInvalidState, "a validated delivery cannot be cancelled", nil), nil
		case domain.DeliveryCancelled:
			return reject(domain.ErrAlreadyCancelled, "delivery already cancelled", cancelledHint(delivery)), nil
		}
	}

	return admit(), nil
}

func cancelledHint(d *domain.Delivery) *domain.ResolutionHint {
	hint := &domain.ResolutionHint{Action: domain.ResolveDiscardLocal}
	if d.CancelledAt != nil {
		hint.Data = map[string]interface{}{
			"cancelledAt": d.CancelledAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return hint
}

func (p *deliveryPolicy) validatorName(ctx context.Context, userID string) string {
	if userID == "" {
		return "another user"
	}
	user, err := p.users.FindByID(ctx, userID)
	if err != nil {
		return "another user"
	}
	return user.DisplayName()
}

func (p *deliveryPolicy) Apply(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (*ApplyResult, error) {
	delivery, err := tx.GetDelivery(ctx, action.EntityID)
	if err != nil {
		return nil, err
	}

	occurredAt := action.OccurredAt.UTC()
	payload := action.Payload

	switch action.ActionKind {
	case domain.ActionDeliveryValidated:
		delivery.Status = domain.DeliveryValidated
		delivery.ValidatedAt = &occurredAt
		delivery.ValidatedByUserID = actor.UserID
		delivery.ValidatedByDeviceID = actor.DeviceID
		delivery.RecipientName, _ = payloadString(payload, "recipient_name", "recipientName")
		delivery.RecipientSignature, _ = payloadString(payload, "signature_base64", "signatureBase64")
		delivery.ProofPhoto, _ = payloadString(payload, "photo_base64", "photoBase64")
		delivery.DeliveryNotes, _ = payloadString(payload, "notes")
		delivery.QRScanned, _ = payloadString(payload, "qr_scanned", "qrScanned")
		delivery.Latitude = payloadFloat(payload, "latitude")
		delivery.Longitude = payloadFloat(payload, "longitude")

	case domain.ActionDeliveryCancelled:
		delivery.Status = domain.DeliveryCancelled
		delivery.CancelledAt = &occurredAt
		delivery.CancelledByUserID = actor.UserID
		delivery.CancelReason, _ = payloadString(payload, "reason")
	}

	delivery.SyncActions = domain.StampSyncAction(delivery.SyncActions, action.ClientActionID)
	delivery.UpdatedAt = actor.Now
	tx.SaveDelivery(delivery)

	return &ApplyResult{
		Success:        true,
		ServerEntityID: delivery.ID,
		AfterState: map[string]interface{}{
			"status":    delivery.Status,
			"device_id": actor.DeviceID,
		},
	}, nil
}

func (p *deliveryPolicy) Applied(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction) (string, bool, error) {
	delivery, err := tx.GetDelivery(ctx, action.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return delivery.ID, domain.HasSyncAction(delivery.SyncActions, action.ClientActionID), nil
}
