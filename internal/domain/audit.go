package domain

import "time"

type AuditKind string

const (
	AuditEntityMutated AuditKind = "SYNC_APPLIED"
	AuditConflict      AuditKind = "SYNC_CONFLICT"
	AuditPush          AuditKind = "SYNC_PUSH"
	AuditPull          AuditKind = "SYNC_PULL"
)

// AuditEntry is an append-only trail record. Entries are never updated.
type AuditEntry struct {
	ID             string                 `json:"id"`
	DocType        string                 `json:"doc_type"`
	Kind           AuditKind              `json:"kind"`
	BatchID        string                 `json:"batch_id,omitempty"`
	ClientActionID string                 `json:"client_action_id,omitempty"`
	UserID         string                 `json:"user_id"`
	DeviceID       string                 `json:"device_id"`
	EntityType     EntityType             `json:"entity_type,omitempty"`
	EntityID       string                 `json:"entity_id,omitempty"`
	ActionKind     ActionKind             `json:"action_kind,omitempty"`
	ErrorCode      ErrorCode              `json:"error_code,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Resolution     *ResolutionHint        `json:"resolution,omitempty"`
	AfterState     map[string]interface{} `json:"after_state,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	Success        bool                   `json:"success"`
	CreatedAt      time.Time              `json:"created_at"`
}

const DocTypeAudit = "audit"
