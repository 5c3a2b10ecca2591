package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Actor is who submitted an action, in which batch, and the server time the
// batch is processed at.
type Actor struct {
	UserID   string
	DeviceID string
	BatchID  string
	Now      time.Time
}

// Evaluation is the Conflict Resolver verdict for one action.
type Evaluation struct {
	Admissible bool
	ErrorCode  domain.ErrorCode
	Message    string
	Hint       *domain.ResolutionHint
}

func admit() Evaluation {
	return Evaluation{Admissible: true}
}

func reject(code domain.ErrorCode, message string, hint *domain.ResolutionHint) Evaluation {
	return Evaluation{ErrorCode: code, Message: message, Hint: hint}
}

// ApplyResult is what the Event Applier reports for an admitted action.
// Business failures are carried here; infrastructure faults are errors.
type ApplyResult struct {
	Success        bool
	ServerEntityID string
	ErrorCode      domain.ErrorCode
	Message        string
	Hint           *domain.ResolutionHint
	AfterState     map[string]interface{}
	// Transient marks a failure of the server rather than of the action.
	Transient bool
}

// ActionPolicy evaluates and applies one action kind against the current
// entity state seen through tx. Apply stamps the action id on the entity it
// mutates; Applied looks for that stamp and returns the server id.
type ActionPolicy interface {
	Evaluate(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (Evaluation, error)
	Apply(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction, actor Actor) (*ApplyResult, error)
	Applied(ctx context.Context, tx repository.EntityTx, action *domain.SyncAction) (string, bool, error)
}

type policyKey struct {
	entity domain.EntityType
	kind   domain.ActionKind
}

// PolicyRegistry maps (entity type, action kind) to its policy. New entity
// types are added by registering, not by editing a dispatcher.
type PolicyRegistry struct {
	policies map[policyKey]ActionPolicy
}

func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{policies: make(map[policyKey]ActionPolicy)}
}

// Register panics on a duplicate key; registration happens at wiring time.
func (r *PolicyRegistry) Register(entity domain.EntityType, kind domain.ActionKind, p ActionPolicy) {
	key := policyKey{entity: entity, kind: kind}
	if _, exists := r.policies[key]; exists {
		panic(fmt.Sprintf("policy already registered for %s/%s", entity, kind))
	}
	r.policies[key] = p
}

func (r *PolicyRegistry) Lookup(entity domain.EntityType, kind domain.ActionKind) (ActionPolicy, bool) {
	p, ok := r.policies[policyKey{entity: entity, kind: kind}]
	return p, ok
}

// DefaultPolicies wires the four entity policies.
func DefaultPolicies(users repository.UserRepository, log logrus.FieldLogger) *PolicyRegistry {
	r := NewPolicyRegistry()

	delivery := &deliveryPolicy{users: users}
	r.Register(domain.EntityDelivery, domain.ActionDeliveryValidated, delivery)
	r.Register(domain.EntityDelivery, domain.ActionDeliveryCancelled, delivery)

	r.Register(domain.EntityInvoice, domain.ActionInvoiceCreated, &invoiceCreatePolicy{})
	r.Register(domain.EntityInvoice, domain.ActionInvoiceUpdated, &invoiceUpdatePolicy{})

	r.Register(domain.EntityPayment, domain.ActionPaymentRecorded, &paymentPolicy{})

	r.Register(domain.EntityClient, domain.ActionClientUpdated, &clientPolicy{log: log})

	return r
}

// Payload accessors. Clients send both snake_case and camelCase keys.

func payloadValue(p map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func payloadString(p map[string]interface{}, keys ...string) (string, bool) {
	v, ok := payloadValue(p, keys...)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return decimal.NewFromFloat(t).String(), true
	case json.Number:
		return t.String(), true
	}
	return fmt.Sprint(v), true
}

func payloadDecimal(p map[string]interface{}, keys ...string) (decimal.Decimal, bool, error) {
	v, ok := payloadValue(p, keys...)
	if !ok {
		return decimal.Zero, false, nil
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true, nil
	case int:
		return decimal.NewFromInt(int64(t)), true, nil
	case int64:
		return decimal.NewFromInt(t), true, nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, true, err
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, true, err
	}
	return decimal.Zero, true, fmt.Errorf("%s: unsupported amount type %T", keys[0], v)
}

func payloadFloat(p map[string]interface{}, keys ...string) *float64 {
	d, ok, err := payloadDecimal(p, keys...)
	if !ok || err != nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func payloadTime(p map[string]interface{}, keys ...string) (time.Time, bool) {
	s, ok := payloadString(p, keys...)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
