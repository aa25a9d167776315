package model

import (
	"encoding/json"
	"time"
)

// Status tracks a callout through its delivery lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusComplete Status = "complete"
)

// Operation is the kind of record mutation a callout carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Callout is one required outbound action derived from a single record
// mutation. Rows are created inside the mutating transaction and retained
// after completion for inspection.
type Callout struct {
	ID          uint64    `gorm:"primaryKey"`
	RecordID    string    `gorm:"size:64;not null;index"`
	Operation   Operation `gorm:"size:16;not null"`
	Payload     string    `gorm:"type:jsonb"`
	Status      Status    `gorm:"size:16;not null;default:'pending';index"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index"`
	CompletedAt *time.Time
}

func (Callout) TableName() string { return "callout_queue" }

// CalloutMessage is the wire shape produced for the external consumer.
// Changes embeds the stored payload object as-is; delete callouts carry
// none.
type CalloutMessage struct {
	ID        uint64          `json:"id"`
	RecordID  string          `json:"recordId"`
	Operation Operation       `json:"operation"`
	Changes   json.RawMessage `json:"changes,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
