package worker

import (
	"time"

	"github.com/drfirst/go-medsafe/internal/domain/safety"
)

// FulfillmentMessage is the payload on the prescription.fulfilled topic
type FulfillmentMessage struct {
	PrescriptionID string    `json:"prescriptionId"`
	PatientID      string    `json:"patientId"`
	Medications    []string  `json:"medications"`
	FulfilledAt    time.Time `json:"fulfilledAt"`
}

// ReportMessage is the payload on the safety.reports topic. ReportID, when
// set, identifies the report across redeliveries.
type ReportMessage struct {
	ReportID string `json:"reportId,omitempty"`
	safety.ReportInput
	ReportedAt time.Time `json:"reportedAt"`
}

// AlertsMessage is written to safety.evaluations when a prescription event
// raises clinical alerts.
type AlertsMessage struct {
	PrescriptionID string                 `json:"prescriptionId"`
	PatientID      string                 `json:"patientId"`
	Medications    []string               `json:"medications"`
	Alerts         []safety.ClinicalAlert `json:"alerts"`
	CheckedAt      time.Time              `json:"checkedAt"`
}

// DeadLetter wraps a message the worker could not process
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key,omitempty"`
	Value     []byte    `json:"value"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failedAt"`
}

// Record headers set by the worker
const (
	HeaderSourceTopic = "source_topic"
	HeaderError       = "error"
	EventAlertsRaised = "ClinicalAlertsRaised"
)

// HeaderContentType on a prescription event selects its decoder. Without it
// XML payloads are read as NCPDP SCRIPT and anything else as FHIR JSON.
const (
	HeaderContentType = "content_type"
	ContentTypeSCRIPT = "application/xml"
	ContentTypeFHIR   = "application/fhir+json"
)

// Handling outcomes reported to the Observer
const (
	OutcomeHandled    = "handled"
	OutcomeDuplicate  = "duplicate"
	OutcomeSkipped    = "skipped"
	OutcomeDeadLetter = "dead_letter"
	OutcomeRetry      = "retry"
)
