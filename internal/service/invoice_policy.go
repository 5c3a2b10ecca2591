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

var invoiceNamespace = uuid.MustParse("8f1c2b8e-3f5d-4e6a-9a27-5d0c4b1e7a10")

// InvoiceIDForTemp derives the server invoice id from the client temporary id,
// so a second creation for the same temp id targets the same document.
func InvoiceIDForTemp(tempID string) string {
	return uuid.NewSHA1(invoiceNamespace, []byte(tempID)).String()
}

// loadInvoice accepts either a server id or the temp id the device created
// the invoice under.
func loadInvoice(ctx context.Context, tx repository.EntityTx, id string) (*domain.Invoice, error) {
	inv, err := tx.GetInvoice(ctx, id)
	if !errors.Is(err, repository.ErrNotFound) {
		return inv, err
	}
	return tx.GetInvoice(ctx, InvoiceIDForTemp(id))
}

// invoiceCreatePolicy accepts the draft and assigns the server reference.
type invoiceCreatePolicy struct{}

func (p *invoiceCreatePolicy) Evaluate(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, _ Actor) (Evaluation, error) {
	existing, err := tx.GetInvoice(ctx, InvoiceIDForTemp(action.EntityID))
	switch {
	case err == nil:
		return reject(domain.ErrDuplicateAction, "invoice already created", &domain.ResolutionHint{
			Action: domain.ResolveUseServerID,
			Data: map[string]interface{}{
				"serverInvoiceId": existing.ID,
				"reference":       existing.Reference,
			},
		}), nil
	case !errors.Is(err, repository.ErrNotFound):
		return Evaluation{}, err
	}

	if clientID, ok := payloadString(action.Payload, "client_id", "clientId"); ok && clientID != "" {
		_, err := tx.GetClient(ctx, clientID)
		if errors.Is(err, repository.ErrNotFound) {
			return reject(domain.ErrEntityNotFound, "client not found", nil), nil
		}
		if err != nil {
			return Evaluation{}, err
		}
	}

	if _, err := parseInvoiceAmounts(action.Payload); err != nil {
		return reject(domain.ErrValidation, err.Error(), nil), nil
	}

	return admit(), nil
}

type invoiceAmounts struct {
	totalHT, totalTVA, totalTTC, timbre, netToPay decimal.Decimal
}

func parseInvoiceAmounts(p map[string]interface{}) (invoiceAmounts, error) {
	var a invoiceAmounts
	fields := []struct {
		dst      *decimal.Decimal
		keys     []string
		required bool
	}{
		{&a.totalHT, []string{"total_ht", "totalHt"}, true},
		{&a.totalTVA, []string{"total_tva", "totalTva"}, true},
		{&a.totalTTC, []string{"total_ttc", "totalTtc"}, true},
		{&a.timbre, []string{"timbre_fiscal", "timbreFiscal"}, false},
		{&a.netToPay, []string{"net_to_pay", "netToPay"}, true},
	}
	for _, f := range fields {
		v, ok, err := payloadDecimal(p, f.keys...)
		if err != nil {
			return a, fmt.Errorf("invalid %s: %w", f.keys[0], err)
		}
		if !ok && f.required {
			return a, fmt.Errorf("%s is required", f.keys[0])
		}
		if v.IsNegative() {
			return a, fmt.Errorf("%s must not be negative", f.keys[0])
		}
		*f.dst = v
	}
	return a, nil
}

func parseInvoiceLines(p map[string]interface{}) ([]domain.InvoiceLine, error) {
	raw, ok := payloadValue(p, "lines")
	if !ok {
		return []domain.InvoiceLine{}, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("lines must be a list")
	}

	lines := make([]domain.InvoiceLine, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("line %d is not an object", i)
		}
		var line domain.InvoiceLine
		line.ProductID, _ = payloadString(m, "product_id", "productId")
		var err error
		if line.Quantity, _, err = payloadDecimal(m, "quantity"); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		if line.UnitPriceHT, _, err = payloadDecimal(m, "unit_price_ht", "unitPriceHt"); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		if line.LineHT, _, err = payloadDecimal(m, "line_ht", "lineHt"); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (p *invoiceCreatePolicy) Apply(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (*ApplyResult, error) {
	amounts, err := parseInvoiceAmounts(action.Payload)
	if err != nil {
		return &ApplyResult{ErrorCode: domain.ErrValidation, Message: err.Error()}, nil
	}
	lines, err := parseInvoiceLines(action.Payload)
	if err != nil {
		return &ApplyResult{ErrorCode: domain.ErrValidation, Message: err.Error()}, nil
	}

	reference, err := tx.NextInvoiceReference(ctx, actor.Now)
	if err != nil {
		return nil, err
	}

	date, ok := payloadTime(action.Payload, "date")
	if !ok {
		date = action.OccurredAt
	}
	method, _ := payloadString(action.Payload, "payment_method", "paymentMethod")
	if method == "" {
		method = "ESPECES"
	}
	clientID, _ := payloadString(action.Payload, "client_id", "clientId")
	notes, _ := payloadString(action.Payload, "notes")

	inv := &domain.Invoice{
		ID:            InvoiceIDForTemp(action.EntityID),
		Reference:     reference,
		TempID:        action.EntityID,
		ClientID:      clientID,
		Date:          date.UTC(),
		TotalHT:       amounts.totalHT,
		TotalTVA:      amounts.totalTVA,
		TotalTTC:      amounts.totalTTC,
		TimbreFiscal:  amounts.timbre,
		NetToPay:      amounts.netToPay,
		PaymentMethod: method,
		Notes:         notes,
		Status:        domain.InvoiceDraft,
		Lines:         lines,
		Payments:      []domain.Payment{},
		UserID:        actor.UserID,
		DeviceID:      actor.DeviceID,
		SyncActions:   domain.StampSyncAction(nil, action.ClientActionID),
		CreatedAt:     actor.Now,
		UpdatedAt:     actor.Now,
	}
	tx.CreateInvoice(inv)

	return &ApplyResult{
		Success:        true,
		ServerEntityID: inv.ID,
		AfterState: map[string]interface{}{
			"reference": inv.Reference,
			"client_id": inv.ClientID,
			"total_ttc": inv.TotalTTC.String(),
			"status":    inv.Status,
			"temp_id":   inv.TempID,
		},
	}, nil
}

func (p *invoiceCreatePolicy) Applied(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction) (string, bool, error) {
	return invoiceApplied(ctx, tx, InvoiceIDForTemp(action.EntityID), action.ClientActionID)
}

func invoiceApplied(ctx context.Context, tx repository.EntityTx, id, actionID string) (string, bool, error) {
	inv, err := loadInvoice(ctx, tx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return inv.ID, domain.HasSyncAction(inv.SyncActions, actionID), nil
}

// invoiceUpdatePolicy refuses edits once the invoice is settled or cancelled.
type invoiceUpdatePolicy struct{}

func (p *invoiceUpdatePolicy) Evaluate(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, _ Actor) (Evaluation, error) {
	inv, err := loadInvoice(ctx, tx, action.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		return reject(domain.ErrEntityNotFound, "invoice not found", nil), nil
	}
	if err != nil {
		return Evaluation{}, err
	}

	switch inv.Status {
	case domain.InvoicePaid:
		return reject(domain.ErrInvoiceAlreadyPaid, "invoice already paid, it can no longer be modified", nil), nil
	case domain.InvoiceCancelled:
		return reject(domain.ErrInvalidState, "invoice cancelled, it can no longer be modified", nil), nil
	}

	return admit(), nil
}

func (p *invoiceUpdatePolicy) Apply(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (*ApplyResult, error) {
	inv, err := loadInvoice(ctx, tx, action.EntityID)
	if err != nil {
		return nil, err
	}

	if method, ok := payloadString(action.Payload, "payment_method", "paymentMethod"); ok && method != "" {
		inv.PaymentMethod = method
	}
	if notes, ok := payloadString(action.Payload, "notes"); ok {
		inv.Notes = notes
	}
	inv.SyncActions = domain.StampSyncAction(inv.SyncActions, action.ClientActionID)
	inv.UpdatedAt = actor.Now
	tx.SaveInvoice(inv)

	return &ApplyResult{
		Success:        true,
		ServerEntityID: inv.ID,
		AfterState: map[string]interface{}{
			"payment_method": inv.PaymentMethod,
			"status":         inv.Status,
		},
	}, nil
}

func (p *invoiceUpdatePolicy) Applied(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction) (string, bool, error) {
	return invoiceApplied(ctx, tx, action.EntityID, action.ClientActionID)
}
