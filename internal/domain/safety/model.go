// Package safety tracks reported medication safety issues and per-medication
// prescribing statistics, and evaluates candidate prescriptions against them.
package safety

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation errors
var (
	ErrInvalidIssue      = errors.New("invalid safety issue")
	ErrInvalidTransition = errors.New("invalid issue status transition")
)

// IssueType classifies a reported safety issue
type IssueType string

const (
	IssueAdverseReaction  IssueType = "ADVERSE_REACTION"
	IssueSideEffect       IssueType = "SIDE_EFFECT"
	IssueInteraction      IssueType = "INTERACTION"
	IssueAllergicReaction IssueType = "ALLERGIC_REACTION"
	IssueMedicationError  IssueType = "MEDICATION_ERROR"
	IssueContraindication IssueType = "CONTRAINDICATION"
	IssueOther            IssueType = "OTHER"
)

var issueTypes = []IssueType{
	IssueAdverseReaction, IssueSideEffect, IssueInteraction, IssueAllergicReaction,
	IssueMedicationError, IssueContraindication, IssueOther,
}

// ParseIssueType accepts any casing, so "side_effect" is SIDE_EFFECT
func ParseIssueType(s string) (IssueType, error) {
	t := IssueType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range issueTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown issue type %q", ErrInvalidIssue, s)
}

// Severity grades a safety issue. Values are ordered.
type Severity string

const (
	SeverityMild            Severity = "MILD"
	SeverityModerate        Severity = "MODERATE"
	SeveritySevere          Severity = "SEVERE"
	SeverityLifeThreatening Severity = "LIFE_THREATENING"
)

var severityRank = map[Severity]int{
	SeverityMild:            1,
	SeverityModerate:        2,
	SeveritySevere:          3,
	SeverityLifeThreatening: 4,
}

// ParseSeverity accepts any casing
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidIssue, s)
	}
	return sev, nil
}

// AtLeast reports whether s is as severe as other. Unknown severities rank
// below everything.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other] && severityRank[s] > 0
}

// IssueStatus is the lifecycle of a safety issue
type IssueStatus string

const (
	StatusReported           IssueStatus = "REPORTED"
	StatusUnderInvestigation IssueStatus = "UNDER_INVESTIGATION"
	StatusResolved           IssueStatus = "RESOLVED"
)

// ParseIssueStatus accepts any casing
func ParseIssueStatus(s string) (IssueStatus, error) {
	st := IssueStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusReported, StatusUnderInvestigation, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// CanTransitionTo reports whether a status change is allowed. Staying in the
// same status is always allowed.
func (s IssueStatus) CanTransitionTo(next IssueStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusReported:
		return next == StatusUnderInvestigation || next == StatusResolved
	case StatusUnderInvestigation:
		return next == StatusResolved
	}
	return false
}

// SafetyIssue is a reported adverse safety event for one patient.
// Resolution and ResolvedDate are set only when Status is RESOLVED.
type SafetyIssue struct {
	ID                   string      `json:"id"`
	PatientID            string      `json:"patientId"`
	Medications          []string    `json:"medications"`
	IssueType            IssueType   `json:"issueType"`
	Severity             Severity    `json:"severity"`
	Description          string      `json:"description"`
	Symptoms             []string    `json:"symptoms"`
	ReportDate           time.Time   `json:"reportDate"`
	Status               IssueStatus `json:"status"`
	Resolution           string      `json:"resolution,omitempty"`
	ResolvedDate         *time.Time  `json:"resolvedDate,omitempty"`
	RelatedPrescriptions []string    `json:"relatedPrescriptions"`
}

func (i *SafetyIssue) clone() *SafetyIssue {
	c := *i
	c.Medications = append([]string(nil), i.Medications...)
	c.Symptoms = append([]string(nil), i.Symptoms...)
	c.RelatedPrescriptions = append([]string{}, i.RelatedPrescriptions...)
	if i.ResolvedDate != nil {
		t := *i.ResolvedDate
		c.ResolvedDate = &t
	}
	return &c
}

func (i *SafetyIssue) linkPrescription(prescriptionID string) bool {
	for _, id := range i.RelatedPrescriptions {
		if id == prescriptionID {
			return false
		}
	}
	i.RelatedPrescriptions = append(i.RelatedPrescriptions, prescriptionID)
	return true
}

// ReportInput carries the caller-supplied fields of a new issue
type ReportInput struct {
	PatientID   string    `json:"patientId"`
	Medications []string  `json:"medications"`
	IssueType   IssueType `json:"issueType"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Symptoms    []string  `json:"symptoms"`
}

// Validate normalizes enum casing and checks required fields
func (in *ReportInput) Validate() error {
	if strings.TrimSpace(in.PatientID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidIssue)
	}
	meds := in.Medications[:0:0]
	for _, m := range in.Medications {
		if m = strings.TrimSpace(m); m != "" {
			meds = append(meds, m)
		}
	}
	if len(meds) == 0 {
		return fmt.Errorf("%w: at least one medication is required", ErrInvalidIssue)
	}
	in.Medications = meds

	t, err := ParseIssueType(string(in.IssueType))
	if err != nil {
		return err
	}
	sev, err := ParseSeverity(string(in.Severity))
	if err != nil {
		return err
	}
	in.IssueType, in.Severity = t, sev
	return nil
}

// SideEffectFrequency counts one symptom across a medication's reports
type SideEffectFrequency struct {
	Symptom           string  `json:"symptom"`
	Count             int     `json:"count"`
	PercentageOfUsers float64 `json:"percentageOfUsers"`
}

// InteractionFrequency counts co-reported medications
type InteractionFrequency struct {
	Medication string `json:"medication"`
	Count      int    `json:"count"`
}

// MedicationStatistic accumulates prescribing and adverse event counts for
// one medication. TotalPrescriptions never decreases.
type MedicationStatistic struct {
	Medication           string                 `json:"medication"`
	TotalPrescriptions   int                    `json:"totalPrescriptions"`
	AdverseEvents        int                    `json:"adverseEvents"`
	CommonSideEffects    []SideEffectFrequency  `json:"commonSideEffects"`
	InteractionFrequency []InteractionFrequency `json:"interactionFrequency"`
	LastUpdated          time.Time              `json:"lastUpdated"`
}

// AdverseEventRate is adverse events over prescriptions, 0 when nothing was
// prescribed.
func (s *MedicationStatistic) AdverseEventRate() float64 {
	if s.TotalPrescriptions <= 0 {
		return 0
	}
	return float64(s.AdverseEvents) / float64(s.TotalPrescriptions)
}

func (s *MedicationStatistic) clone() *MedicationStatistic {
	c := *s
	c.CommonSideEffects = append([]SideEffectFrequency{}, s.CommonSideEffects...)
	c.InteractionFrequency = append([]InteractionFrequency{}, s.InteractionFrequency...)
	return &c
}

// SafetyEvaluation is the verdict for a candidate prescription
type SafetyEvaluation struct {
	PrescriptionID string         `json:"prescriptionId"`
	PatientID      string         `json:"patientId"`
	IsSafe         bool           `json:"isSafe"`
	Warnings       []string       `json:"warnings"`
	RelatedIssues  []*SafetyIssue `json:"relatedIssues"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
}

// SuggestionStatus is the review outcome of a generated prescription
// suggestion
type SuggestionStatus string

const (
	SuggestionApproved       SuggestionStatus = "APPROVED"
	SuggestionRequiresReview SuggestionStatus = "REQUIRES_REVIEW"
	SuggestionRejected       SuggestionStatus = "REJECTED"
)

// PrescriptionSuggestion is the part of a generated suggestion the tally
// reads
type PrescriptionSuggestion struct {
	Medication string           `json:"medication,omitempty"`
	Status     SuggestionStatus `json:"status"`
}

// TrackingSummary counts suggestions by status
type TrackingSummary struct {
	DiagnosisID   string `json:"diagnosisId,omitempty"`
	SafeCount     int    `json:"safeCount"`
	ReviewCount   int    `json:"reviewCount"`
	RejectedCount int    `json:"rejectedCount"`
}

// MedicationIssueCount is one row of the most-implicated ranking
type MedicationIssueCount struct {
	Medication string `json:"medication"`
	Count      int    `json:"count"`
}

// SafetyStatistics aggregates issues reported within a window
type SafetyStatistics struct {
	Start                     time.Time              `json:"start"`
	End                       time.Time              `json:"end"`
	TotalIssues               int                    `json:"totalIssues"`
	IssuesByType              map[IssueType]int      `json:"issuesByType"`
	IssuesBySeverity          map[Severity]int       `json:"issuesBySeverity"`
	ResolvedIssueRate         float64                `json:"resolvedIssueRate"`
	MedicationsWithMostIssues []MedicationIssueCount `json:"medicationsWithMostIssues"`
}

// AlertSeverity grades a clinical alert
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// AlertKind says which rule raised an alert
type AlertKind string

const (
	AlertUnknownMedication AlertKind = "unknown_medication"
	AlertInteraction       AlertKind = "interaction"
	AlertBeers             AlertKind = "beers_criteria"
	AlertPregnancy         AlertKind = "pregnancy"
)

// ClinicalAlert is one reference-data finding for a medication list
type ClinicalAlert struct {
	Kind       AlertKind     `json:"kind"`
	Severity   AlertSeverity `json:"severity"`
	Medication string        `json:"medication"`
	Related    string        `json:"related,omitempty"`
	Message    string        `json:"message"`
}

// PatientProfile holds the patient facts clinical alerts depend on
type PatientProfile struct {
	Age      *int `json:"age,omitempty"`
	Pregnant bool `json:"pregnant"`
}
