package audit

import (
	"time"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type ActorType string

const (
	ActorUser        ActorType = "user"
	ActorSystem      ActorType = "system"
	ActorIntegration ActorType = "integration"
)

// Event is an append-only audit record. There is no update or delete path.
type Event struct {
	ID          uint                   `gorm:"primaryKey" json:"-"`
	EventID     string                 `gorm:"uniqueIndex;size:64" json:"id"`
	EventType   string                 `gorm:"index;size:96" json:"eventType"`
	Description string                 `json:"description"`
	Severity    Severity               `gorm:"size:16" json:"severity"`
	ActorType   ActorType              `gorm:"size:16" json:"actorType"`
	ActorID     string                 `gorm:"size:64" json:"actorId,omitempty"`
	ActorLabel  string                 `json:"actorLabel,omitempty"`
	Source      string                 `gorm:"index;size:64" json:"source"`
	EntityType  string                 `gorm:"index:idx_audit_entity,priority:1;size:32" json:"entityType"`
	EntityID    string                 `gorm:"index:idx_audit_entity,priority:2;size:64" json:"entityId"`
	OccurredAt  time.Time              `gorm:"index:idx_audit_entity,priority:3" json:"occurredAt"`
	Metadata    map[string]interface{} `gorm:"serializer:json" json:"metadata"`
	CreatedAt   time.Time              `json:"createdAt"`
}

func (Event) TableName() string {
	return "audit_events"
}

// Entry is the caller-supplied part of an Event.
type Entry struct {
	EventType   string
	Description string
	Severity    Severity
	ActorType   ActorType
	ActorID     string
	ActorLabel  string
	Source      string
	EntityType  string
	EntityID    string
	Metadata    map[string]interface{}
}
