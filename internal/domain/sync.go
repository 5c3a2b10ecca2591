package domain

import "time"

type EntityType string

const (
	EntityDelivery EntityType = "DELIVERY"
	EntityInvoice  EntityType = "INVOICE"
	EntityPayment  EntityType = "PAYMENT"
	EntityClient   EntityType = "CLIENT"
)

type ActionKind string

const (
	ActionDeliveryValidated ActionKind = "DELIVERY_VALIDATED"
	ActionDeliveryCancelled ActionKind = "DELIVERY_CANCELLED"
	ActionInvoiceCreated    ActionKind = "INVOICE_CREATED"
	ActionInvoiceUpdated    ActionKind = "INVOICE_UPDATED"
	ActionPaymentRecorded   ActionKind = "PAYMENT_RECORDED"
	ActionClientUpdated     ActionKind = "CLIENT_UPDATED"
)

// SyncAction is one client-submitted mutation intent. It only exists on the wire;
// the server keeps a SyncOutcome for it.
type SyncAction struct {
	ClientActionID string                 `json:"client_action_id" validate:"required,min=1,max=128"`
	EntityType     EntityType             `json:"entity_type" validate:"required,oneof=DELIVERY INVOICE PAYMENT CLIENT"`
	EntityID       string                 `json:"entity_id" validate:"required,min=1,max=255"`
	ActionKind     ActionKind             `json:"action_kind" validate:"required"`
	Payload        map[string]interface{} `json:"payload" validate:"required"`
	OccurredAt     time.Time              `json:"occurred_at" validate:"required"`
	IntegrityHash  string                 `json:"integrity_hash" validate:"required,len=64,hexadecimal"`
}

type OutcomeStatus string

const (
	StatusPending      OutcomeStatus = "PENDING"
	StatusApplied      OutcomeStatus = "APPLIED"
	StatusAcknowledged OutcomeStatus = "ACKNOWLEDGED"
	StatusRejected     OutcomeStatus = "REJECTED"
)

// Terminal reports whether the outcome can no longer change, other than the
// APPLIED -> ACKNOWLEDGED bookkeeping transition.
func (s OutcomeStatus) Terminal() bool {
	return s == StatusApplied || s == StatusAcknowledged || s == StatusRejected
}

// Accepted reports whether the underlying mutation went through.
func (s OutcomeStatus) Accepted() bool {
	return s == StatusApplied || s == StatusAcknowledged
}

// SyncOutcome is the server record of one processed action.
type SyncOutcome struct {
	ClientActionID string                 `json:"client_action_id"`
	Rev            string                 `json:"_rev,omitempty"`
	DocType        string                 `json:"doc_type"`
	BatchID        string                 `json:"batch_id"`
	UserID         string                 `json:"user_id"`
	DeviceID       string                 `json:"device_id"`
	EntityType     EntityType             `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	ActionKind     ActionKind             `json:"action_kind"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	IntegrityHash  string                 `json:"integrity_hash"`
	OccurredAt     time.Time              `json:"occurred_at"`
	Status         OutcomeStatus          `json:"status"`
	ServerEntityID string                 `json:"server_entity_id,omitempty"`
	ErrorCode      ErrorCode              `json:"error_code,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Transient      bool                   `json:"transient,omitempty"`
	Resolution     *ResolutionHint        `json:"resolution,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CreatedSeq     int64                  `json:"created_seq"`
	AppliedAt      *time.Time             `json:"applied_at,omitempty"`
	AppliedSeq     int64                  `json:"applied_seq,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
}

const DocTypeOutcome = "sync_outcome"

type BatchState string

const (
	BatchReceived  BatchState = "RECEIVED"
	BatchProcessed BatchState = "PROCESSED"
)

// SyncBatch remembers which actions were submitted together, in order, so a
// replayed batch reproduces the original per-action results.
type SyncBatch struct {
	ID          string     `json:"batch_id"`
	Rev         string     `json:"_rev,omitempty"`
	DocType     string     `json:"doc_type"`
	UserID      string     `json:"user_id"`
	DeviceID    string     `json:"device_id"`
	ActionIDs   []string   `json:"action_ids"`
	State       BatchState `json:"state"`
	ReceivedAt  time.Time  `json:"received_at"`
	ReceivedSeq int64      `json:"received_seq"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

const DocTypeBatch = "sync_batch"

// DeviceSyncCursor is the per-device watermark.
type DeviceSyncCursor struct {
	DeviceID   string     `json:"device_id"`
	Rev        string     `json:"_rev,omitempty"`
	DocType    string     `json:"doc_type"`
	UserID     string     `json:"user_id"`
	LastPushAt *time.Time `json:"last_push_at,omitempty"`
	LastPullAt *time.Time `json:"last_pull_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

const DocTypeCursor = "sync_cursor"
