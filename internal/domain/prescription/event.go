package prescription

import "time"

// Event types published on the committed-prescriptions stream.
const (
	EventCommitted   = "prescription.committed"
	EventSupplyAlert = "supply.alert"
)

// CommittedEvent is emitted after a draft is committed to history. It is the
// integration record downstream consumers (supply alerting, analytics) work
// from.
type CommittedEvent struct {
	EventType    string       `json:"eventType"`
	SessionID    string       `json:"sessionId"`
	Prescription Prescription `json:"prescription"`
	CommittedAt  time.Time    `json:"committedAt"`
}

// NewCommittedEvent wraps a committed prescription in its event envelope.
func NewCommittedEvent(sessionID string, p *Prescription, at time.Time) *CommittedEvent {
	return &CommittedEvent{
		EventType:    EventCommitted,
		SessionID:    sessionID,
		Prescription: *p,
		CommittedAt:  at.UTC(),
	}
}

// SupplyAlertEvent is emitted by the alerting worker when a committed
// medication's remaining supply drops to or below the alert threshold.
type SupplyAlertEvent struct {
	EventType     string    `json:"eventType"`
	SessionID     string    `json:"sessionId"`
	MedicationID  string    `json:"medicationId"`
	Name          string    `json:"name"`
	RemainingDays int       `json:"remainingDays"`
	RaisedAt      time.Time `json:"raisedAt"`
}
