// Package events publishes registry changes for downstream consumers.
// Publishing is best effort: the registry never fails an operation because an
// event could not be delivered.
package events

import (
	"context"
	"time"

	"teamclock/internal/registry/models"
	"teamclock/pkg/domain"
)

// Type names a registry change.
type Type string

const (
	MemberCreated Type = "member.created"
	MemberDeleted Type = "member.deleted"
)

// Event is the wire shape of a registry change.
type Event struct {
	Type       Type                `json:"type"`
	MemberID   domain.MemberID     `json:"member_id"`
	Status     models.MemberStatus `json:"status,omitempty"`
	CreatedBy  domain.UserID       `json:"created_by"`
	ActorID    domain.UserID       `json:"actor_id"`
	RequestID  string              `json:"request_id,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Noop drops every event. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
