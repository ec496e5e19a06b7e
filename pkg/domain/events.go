package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies an event on the bus.
type EventType string

const (
	EventSessionCreated        EventType = "session.created"
	EventStepAdded             EventType = "session.step_added"
	EventSessionTransitioned   EventType = "session.transitioned"
	EventSessionCommitting     EventType = "session.committing"
	EventEntitiesCreated       EventType = "session.entities_created"
	EventCommitFailed          EventType = "session.commit_failed"
	EventSessionCompensated    EventType = "session.compensated"
	EventSessionDeleted        EventType = "session.deleted"
	EventReminderSent          EventType = "session.reminder_sent"
	EventSessionEscalated      EventType = "session.escalated"
	EventSessionExpired        EventType = "session.expired"
	EventOrderCreated          EventType = "order.created"
	EventVerificationRequested EventType = "account.verification_requested"
	EventInsuranceValidated    EventType = "insurance.validated"
	EventInsuranceInvalid      EventType = "insurance.validation_failed"
	EventHandlerFailed         EventType = "handler.failed"
)

// Event is a typed message on the event bus.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	SessionID      string         `json:"session_id,omitempty"`
	WorkflowType   WorkflowType   `json:"workflow_type,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Scope returns the session scope the event was raised under.
func (e Event) Scope() Scope {
	return Scope{OrganizationID: e.OrganizationID}
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode event data: %w", err)
	}
	return nil
}

// SessionEvent builds an event for a session.
func SessionEvent(id string, t EventType, s *Session, now time.Time, data map[string]any) Event {
	return Event{
		ID:             id,
		Type:           t,
		SessionID:      s.ID,
		WorkflowType:   s.WorkflowType,
		OrganizationID: s.OrganizationID,
		Timestamp:      now,
		Data:           data,
	}
}
