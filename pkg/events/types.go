package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Account events
	EventAccountCreated EventType = "account.created"
	EventTierChanged    EventType = "account.tier_changed"
	EventTrialStarted   EventType = "account.trial_started"
	EventTrialEnded     EventType = "account.trial_ended"

	// Credit events
	EventCreditsGranted   EventType = "credits.granted"
	EventCreditsPurchased EventType = "credits.purchased"
	EventCreditsDepleted  EventType = "credits.depleted"
	EventUsageUnbilled    EventType = "credits.usage_unbilled"

	// Payment events
	EventPaymentFailed   EventType = "payment.failed"
	EventPurchaseExpired EventType = "payment.purchase_expired"

	// Reconciliation events
	EventDriftDetected        EventType = "reconciliation.drift_detected"
	EventDoubleChargeDetected EventType = "reconciliation.double_charge_detected"
)

// Event represents a single event in the system
type Event struct {
	// ID is unique per event
	ID string

	Type      EventType
	Timestamp time.Time

	// AccountID is empty for system-wide events
	AccountID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, accountID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AccountID: accountID,
		Payload:   payload,
	}
}
