package service

import (
	"context"
	"errors"
	"fmt"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var paymentNamespace = uuid.MustParse("2b7d9e4a-61c3-4f0e-8d52-a9e3c1f06b44")

// paymentPolicy admits a payment only while it fits the invoice balance.
type paymentPolicy struct{}

type paymentRequest struct {
	invoiceID string
	amount    decimal.Decimal
	method    string
}

func parsePayment(p map[string]interface{}) (paymentRequest, error) {
	var req paymentRequest

	req.invoiceID, _ = payloadString(p, "invoice_id", "invoiceId")
	if req.invoiceID == "" {
		return req, errors.New("invoice id is required")
	}

	amount, ok, err := payloadDecimal(p, "amount")
	if err != nil {
		return req, fmt.Errorf("invalid amount: %w", err)
	}
	if !ok || !amount.IsPositive() {
		return req, errors.New("amount must be positive")
	}
	req.amount = amount

	req.method, _ = payloadString(p, "payment_method", "paymentMethod")
	if req.method == "" {
		req.method = "ESPECES"
	}

	return req, nil
}

func (p *paymentPolicy) Evaluate(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, _ Actor) (Evaluation, error) {
	req, err := parsePayment(action.Payload)
	if err != nil {
		return reject(domain.ErrValidation, err.Error(), nil), nil
	}

	inv, err := loadInvoice(ctx, tx, req.invoiceID)
	if errors.Is(err, repository.ErrNotFound) {
		return reject(domain.ErrEntityNotFound, "invoice not found", nil), nil
	}
	if err != nil {
		return Evaluation{}, err
	}

	for _, existing := range inv.Payments {
		if existing.ClientActionID == action.ClientActionID {
			return reject(domain.ErrDuplicateAction, "payment already recorded", &domain.ResolutionHint{
				Action: domain.ResolveUseServerID,
				Data:   map[string]interface{}{"serverPaymentId": existing.ID},
			}), nil
		}
	}

	if inv.Status == domain.InvoiceCancelled {
		return reject(domain.ErrInvalidState, "invoice cancelled", nil), nil
	}

	remaining := inv.Remaining()
	if req.amount.GreaterThan(remaining) {
		return reject(domain.ErrInsufficientFunds,
			fmt.Sprintf("amount exceeds the remaining balance (%s)", remaining.String()),
			&domain.ResolutionHint{
				Action: domain.ResolveManual,
				Data: map[string]interface{}{
					"invoiceTotal":     inv.NetToPay.String(),
					"alreadyPaid":      inv.TotalPaid().String(),
					"remaining":        remaining.String(),
					"attemptedPayment": req.amount.String(),
				},
			}), nil
	}

	return admit(), nil
}

func (p *paymentPolicy) Apply(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (*ApplyResult, error) {
	req, err := parsePayment(action.Payload)
	if err != nil {
		return &ApplyResult{ErrorCode: domain.ErrValidation, Message: err.Error()}, nil
	}

	inv, err := loadInvoice(ctx, tx, req.invoiceID)
	if err != nil {
		return nil, err
	}

	payment := domain.Payment{
		ID:             uuid.NewSHA1(paymentNamespace, []byte(action.ClientActionID)).String(),
		ClientActionID: action.ClientActionID,
		Amount:         req.amount,
		PaymentMethod:  req.method,
		UserID:         actor.UserID,
		DeviceID:       actor.DeviceID,
		RecordedAt:     actor.Now,
	}
	inv.Payments = append(inv.Payments, payment)
	if !inv.Remaining().IsPositive() {
		inv.Status = domain.InvoicePaid
	}
	inv.UpdatedAt = actor.Now
	tx.SaveInvoice(inv)

	return &ApplyResult{
		Success:        true,
		ServerEntityID: payment.ID,
		AfterState: map[string]interface{}{
			"invoice_id":     inv.ID,
			"amount":         payment.Amount.String(),
			"payment_method": payment.PaymentMethod,
			"invoice_status": inv.Status,
		},
	}, nil
}

// Applied finds the payment by its action id; payments live on the invoice.
func (p *paymentPolicy) Applied(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction) (string, bool, error) {
	req, err := parsePayment(action.Payload)
	if err != nil {
		return "", false, nil
	}
	inv, err := loadInvoice(ctx, tx, req.invoiceID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, existing := range inv.Payments {
		if existing.ClientActionID == action.ClientActionID {
			return existing.ID, true, nil
		}
	}
	return "", false, nil
}
