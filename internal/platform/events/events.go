// Package events publishes domain events after a state change has been
// committed. Publishing is best effort: callers log failures and move on.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Appointment event types.
const (
	AppointmentCreated      = "appointment.created"
	AppointmentUpdated      = "appointment.updated"
	AppointmentDeleted      = "appointment.deleted"
	AppointmentConfirmed    = "appointment.confirmed"
	AppointmentCancelled    = "appointment.cancelled"
	AppointmentStarted      = "appointment.started"
	AppointmentCompleted    = "appointment.completed"
	AppointmentMarkedNoShow = "appointment.no_show"
)

// Event is a single domain event. Key is used for partitioning so every
// event about one resource lands in order on the same partition. Subjects
// name the other entities the event concerns ("doctor:D1", "patient:P1").
type Event struct {
	Type       string      `json:"type"`
	Key        string      `json:"key"`
	TenantID   string      `json:"tenantId"`
	Subjects   []string    `json:"subjects,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
	Data       interface{} `json:"data"`
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the logger. It is used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info().
		Str("event_type", ev.Type).
		Str("key", ev.Key).
		Str("tenant_id", ev.TenantID).
		Time("occurred_at", ev.OccurredAt).
		Msg("domain event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Fanout delivers every event to each publisher in order. A failing sink
// does not stop delivery to the rest; all errors are returned joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
