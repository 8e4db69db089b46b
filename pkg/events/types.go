package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Ledger events
	EventPersistenceLagged EventType = "ledger.persistence_lagged"

	// Auto top-up events
	EventTopUpConfirmed EventType = "topup.confirmed"
	EventTopUpFailed    EventType = "topup.failed"
	EventTopUpCredited  EventType = "topup.credited"

	// Storage billing events
	EventStorageBillingCompleted EventType = "storage_billing.completed"
)

// Event represents a single event in the system
type Event struct {
	// ID is unique per event
	ID        string
	Type      EventType
	Timestamp time.Time

	// UserID is empty for system-wide events
	UserID  string
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, userID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   payload,
	}
}
