package r5

import "time"

// MedicationRequest is the part of a FHIR R5 MedicationRequest the safety
// worker reads.
type MedicationRequest struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`

	// requests written together share a group identifier
	GroupIdentifier *Identifier `json:"groupIdentifier,omitempty"`

	Status   string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Intent   string `json:"intent"` // proposal | plan | order | ...
	Priority string `json:"priority,omitempty"`

	// R5 uses CodeableReference for the medication
	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`

	AuthoredOn time.Time           `json:"authoredOn,omitempty"`
	Requester  *Reference          `json:"requester,omitempty"`
	Reason     []CodeableReference `json:"reason,omitempty"`
	Note       []Annotation        `json:"note,omitempty"`

	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return m.Subject.ID()
}

// GetRxNorm extracts the RxNorm CUI from the medication.
func (m *MedicationRequest) GetRxNorm() string {
	return m.Medication.Concept.CodeFor(SystemRxNorm)
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	c := m.Medication.Concept
	if c == nil {
		if m.Medication.Reference != nil {
			return m.Medication.Reference.Display
		}
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	return ""
}

// MedicationKey returns the value the knowledge base resolves: the RxNorm
// code when present, otherwise the display name.
func (m *MedicationRequest) MedicationKey() string {
	if code := m.GetRxNorm(); code != "" {
		return code
	}
	return m.GetMedicationDisplay()
}

// ReasonCodes returns the ICD-10 codes among the request's reasons.
func (m *MedicationRequest) ReasonCodes() []string {
	var codes []string
	for _, r := range m.Reason {
		if code := r.Concept.CodeFor(SystemICD10); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// IsActionable reports whether the request still describes medication the
// patient would take.
func (m *MedicationRequest) IsActionable() bool {
	switch m.Status {
	case StatusCancelled, StatusEnteredInError, StatusStopped, StatusCompleted:
		return false
	}
	return true
}
