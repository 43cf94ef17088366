// Package audit is the append-only sink for every state change made by the
// escrow, payment and compliance flows.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Recorder is the write side used by the other services.
type Recorder interface {
	Record(ctx context.Context, entry Entry) (*Event, error)
}

// Actor identifies who triggered a change.
type Actor struct {
	Type  ActorType
	ID    string
	Label string
}

type actorKey struct{}

// WithActor attaches actor to ctx. Record uses it for entries that do not
// name an actor themselves.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

type Service struct {
	db  *Database
	now func() time.Time
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		now: time.Now,
	}
}

// Record appends one event. Severity and actor type default to info/system.
func (s *Service) Record(ctx context.Context, entry Entry) (*Event, error) {
	if entry.EventType == "" {
		return nil, errors.New("audit event type is required")
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	if entry.ActorType == "" {
		if actor, ok := ActorFrom(ctx); ok {
			entry.ActorType = actor.Type
			entry.ActorID = actor.ID
			entry.ActorLabel = actor.Label
		} else {
			entry.ActorType = ActorSystem
		}
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]interface{}{}
	}

	now := s.now().UTC()
	event := &Event{
		EventID:     uuid.New().String(),
		EventType:   entry.EventType,
		Description: entry.Description,
		Severity:    entry.Severity,
		ActorType:   entry.ActorType,
		ActorID:     entry.ActorID,
		ActorLabel:  entry.ActorLabel,
		Source:      entry.Source,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		OccurredAt:  now,
		Metadata:    entry.Metadata,
		CreatedAt:   now,
	}

	if err := s.db.Append(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event_type", entry.EventType).
			Str("entity_id", entry.EntityID).
			Msg("failed to record audit event")
		return nil, err
	}

	log.Debug().
		Str("event_id", event.EventID).
		Str("event_type", event.EventType).
		Str("severity", string(event.Severity)).
		Str("entity_id", event.EntityID).
		Msg("audit event recorded")

	return event, nil
}

// ListForEntity returns the audit trail of one entity, oldest first.
func (s *Service) ListForEntity(ctx context.Context, entityType, entityID string) ([]Event, error) {
	return s.db.ListByEntity(ctx, entityType, entityID)
}
