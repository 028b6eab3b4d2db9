package safety

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventSafetyIssueReported         EventType = "SafetyIssueReported"
	EventSafetyIssueStatusChanged    EventType = "SafetyIssueStatusChanged"
	EventPrescriptionSafetyEvaluated EventType = "PrescriptionSafetyEvaluated"
	EventPrescriptionFulfilled       EventType = "PrescriptionFulfilled"
	EventAdverseEventRecorded        EventType = "AdverseEventRecorded"
)

// Aggregate types carried on events
const (
	AggregateSafetyIssue  = "SafetyIssue"
	AggregatePrescription = "Prescription"
	AggregateMedication   = "Medication"
	AggregatePatient      = "Patient"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	PatientID     string          `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithPatient sets the patient the event concerns
func (e *Event) WithPatient(patientID string) *Event {
	e.PatientID = patientID
	return e
}

// EventPublisher receives domain events after the in-memory state changed.
// A publish error never rolls the change back.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *Event) error { return nil }

// IssueStatusChangedData contains status transition details
type IssueStatusChangedData struct {
	IssueID    string      `json:"issue_id"`
	From       IssueStatus `json:"from"`
	To         IssueStatus `json:"to"`
	Resolution string      `json:"resolution,omitempty"`
	ChangedAt  time.Time   `json:"changed_at"`
}

// PrescriptionEvaluatedData summarizes an evaluation
type PrescriptionEvaluatedData struct {
	PrescriptionID  string    `json:"prescription_id"`
	Medications     []string  `json:"medications"`
	IsSafe          bool      `json:"is_safe"`
	Warnings        []string  `json:"warnings"`
	RelatedIssueIDs []string  `json:"related_issue_ids"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
}

// PrescriptionFulfilledData contains fulfillment details
type PrescriptionFulfilledData struct {
	Medications []string  `json:"medications"`
	FulfilledAt time.Time `json:"fulfilled_at"`
}

// AdverseEventRecordedData contains adverse event details
type AdverseEventRecordedData struct {
	Medication string    `json:"medication"`
	Symptoms   []string  `json:"symptoms"`
	RecordedAt time.Time `json:"recorded_at"`
}
