package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is one delivered-or-pending message to one user. Rows are
// append-only after creation: only the Read flag ever changes (false -> true),
// and rows are deleted only by ClearAll.
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	RelatedID *uuid.UUID      `json:"related_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notification type constants. Opaque to this subsystem; producers and the
// dashboard UI interpret them.
const (
	TypeTaskAssigned  = "task_assigned"
	TypeTaskDue       = "task_due"
	TypeStatusChanged = "status_changed"
)

// PushSubscription is one browser/device push endpoint. The endpoint string
// is unique system-wide and acts as the natural key for upserts: a browser
// re-subscribing after key rotation replaces the keys in place.
type PushSubscription struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent *string   `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// NotificationPreference gates whether a category of event is created at all.
// The row belongs to the dashboard's settings pages; this core only reads it.
type NotificationPreference struct {
	UserID        uuid.UUID `json:"user_id"`
	TaskAssigned  bool      `json:"task_assigned"`
	TaskDue       bool      `json:"task_due"`
	StatusChanged bool      `json:"status_changed"`
	EmailEnabled  bool      `json:"email_enabled"`
}

// Allows reports whether the given notification type is enabled. Unknown
// types are allowed; the preference row only gates the known categories.
func (p *NotificationPreference) Allows(notifType string) bool {
	switch notifType {
	case TypeTaskAssigned:
		return p.TaskAssigned
	case TypeTaskDue:
		return p.TaskDue
	case TypeStatusChanged:
		return p.StatusChanged
	default:
		return true
	}
}
