package domain

import "time"

type Device struct {
	ID         string     `json:"id"`
	Rev        string     `json:"_rev,omitempty"`
	DocType    string     `json:"doc_type"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	Platform   string     `json:"platform"`
	AppVersion string     `json:"app_version"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	IsRevoked  bool       `json:"is_revoked"`
}

const DocTypeDevice = "device"

// Identity is the already-authenticated caller handed to the sync engine.
type Identity struct {
	UserID   string
	DeviceID string
}

// AccessStatus is what the engine reports back about the caller on every pull,
// so a revoked device or deactivated user learns it passively.
type AccessStatus struct {
	DeviceActive bool
	UserActive   bool
	UserRole     string
}

type DeviceStatus struct {
	Active         bool   `json:"active"`
	RequiresReauth bool   `json:"requires_reauth"`
	Message        string `json:"message,omitempty"`
}
