package domain

import "time"

type PushRequest struct {
	BatchID string       `json:"batch_id" validate:"required,min=1,max=128"`
	Actions []SyncAction `json:"actions" validate:"required,min=1,dive"`
}

type Rejection struct {
	ClientActionID string          `json:"client_action_id"`
	ErrorCode      ErrorCode       `json:"error_code"`
	Message        string          `json:"message"`
	Retryable      bool            `json:"retryable"`
	Resolution     *ResolutionHint `json:"resolution_hint,omitempty"`
}

type PushResponse struct {
	Accepted        bool              `json:"accepted"`
	BatchID         string            `json:"batch_id"`
	AcknowledgedIDs []string          `json:"acknowledged_ids"`
	ServerIDs       map[string]string `json:"server_ids"`
	Rejections      []Rejection       `json:"rejections"`
	ServerTime      time.Time         `json:"server_time"`
	Warnings        []string          `json:"warnings"`
}

type PullRequest struct {
	Since       time.Time    `json:"since"`
	EntityTypes []EntityType `json:"entity_types,omitempty" validate:"omitempty,dive,oneof=DELIVERY INVOICE PAYMENT CLIENT"`
	Limit       int          `json:"limit,omitempty" validate:"omitempty,min=1"`
	Cursor      string       `json:"cursor,omitempty"`
}

// ServerEvent is an applied outcome as seen by other devices.
type ServerEvent struct {
	ClientActionID string                 `json:"client_action_id"`
	EntityType     EntityType             `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	ServerEntityID string                 `json:"server_entity_id,omitempty"`
	ActionKind     ActionKind             `json:"action_kind"`
	Payload        map[string]interface{} `json:"payload"`
	OccurredAt     time.Time              `json:"occurred_at"`
	AppliedAt      time.Time              `json:"applied_at"`
	UserID         string                 `json:"user_id"`
	SourceDeviceID string                 `json:"source_device_id"`
}

type CacheInvalidation struct {
	EntityType string   `json:"entity_type"`
	EntityIDs  []string `json:"entity_ids"`
	Reason     string   `json:"reason"`
}

type PullResponse struct {
	Outcomes           []ServerEvent       `json:"outcomes"`
	HasMore            bool                `json:"has_more"`
	NextCursor         string              `json:"next_cursor,omitempty"`
	ServerTime         time.Time           `json:"server_time"`
	CacheInvalidations []CacheInvalidation `json:"cache_invalidations"`
	DeviceStatus       DeviceStatus        `json:"device_status"`
}

type AckRequest struct {
	ClientActionIDs []string `json:"client_action_ids" validate:"required,min=1,max=100,dive,required"`
}

type AckResponse struct {
	AcknowledgedCount int       `json:"acknowledged_count"`
	ServerTime        time.Time `json:"server_time"`
}

type StatusResponse struct {
	PullRequired       bool       `json:"pull_required"`
	PendingActionCount int        `json:"pending_action_count"`
	ServerTime         time.Time  `json:"server_time"`
	LastPushAt         *time.Time `json:"last_push_at,omitempty"`
	LastPullAt         *time.Time `json:"last_pull_at,omitempty"`
	DeviceActive       bool       `json:"device_active"`
	UserActive         bool       `json:"user_active"`
}

type BootstrapRequest struct {
	Entities []string `json:"entities" validate:"required,min=1,dive,oneof=products products_pf clients deliveries deliveries_pending stock stock_pf"`
}

type BootstrapResponse struct {
	Products                 []*Product   `json:"products,omitempty"`
	Clients                  []*Client    `json:"clients,omitempty"`
	DeliveriesPending        []*Delivery  `json:"deliveries_pending,omitempty"`
	StockPF                  []StockLevel `json:"stock_pf,omitempty"`
	ServerTime               time.Time    `json:"server_time"`
	DataVersion              string       `json:"data_version"`
	NextBootstrapRecommended time.Time    `json:"next_bootstrap_recommended"`
}

type UnackedOutcome struct {
	ClientActionID string        `json:"client_action_id"`
	BatchID        string        `json:"batch_id"`
	Status         OutcomeStatus `json:"status"`
	ServerEntityID string        `json:"server_entity_id,omitempty"`
	AppliedAt      *time.Time    `json:"applied_at,omitempty"`
}
