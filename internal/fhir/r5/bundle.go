package r5

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnsupportedResource is returned for payloads that are neither a
	// MedicationRequest nor a Bundle.
	ErrUnsupportedResource = errors.New("unsupported FHIR resource")
	// ErrInvalidOrder is returned when the requests cannot form one order.
	ErrInvalidOrder = errors.New("invalid medication order")
)

// Patient carries the demographics used for clinical alerts.
type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	BirthDate    string      `json:"birthDate,omitempty"` // YYYY, YYYY-MM or YYYY-MM-DD
	Gender       string      `json:"gender,omitempty"`
	Extension    []Extension `json:"extension,omitempty"`
}

// Age returns the patient's age in whole years at t. Partial birth dates
// assume the earliest day they allow.
func (p *Patient) Age(at time.Time) (int, bool) {
	if p == nil || p.BirthDate == "" {
		return 0, false
	}
	var born time.Time
	var err error
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if born, err = time.Parse(layout, p.BirthDate); err == nil {
			break
		}
	}
	if err != nil || born.After(at) {
		return 0, false
	}
	age := at.Year() - born.Year()
	if at.Month() < born.Month() || (at.Month() == born.Month() && at.Day() < born.Day()) {
		age--
	}
	return age, true
}

// IsPregnant reports the pregnancy status extension.
func (p *Patient) IsPregnant() bool {
	if p == nil {
		return false
	}
	for _, ext := range p.Extension {
		if ext.URL != ExtensionPregnancyStatus {
			continue
		}
		if ext.ValueBoolean != nil {
			return *ext.ValueBoolean
		}
		return strings.EqualFold(ext.ValueCode, "pregnant")
	}
	return false
}

// Bundle is a FHIR Bundle of order resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one undecoded resource.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// Order is the set of medication requests one prescription event carries.
type Order struct {
	PrescriptionID string
	PatientID      string
	Requests       []*MedicationRequest
	Patient        *Patient
}

// Medications returns the medication keys of actionable requests, in
// request order without duplicates.
func (o *Order) Medications() []string {
	seen := make(map[string]bool, len(o.Requests))
	var out []string
	for _, req := range o.Requests {
		if !req.IsActionable() {
			continue
		}
		key := strings.TrimSpace(req.MedicationKey())
		if key == "" || seen[strings.ToLower(key)] {
			continue
		}
		seen[strings.ToLower(key)] = true
		out = append(out, key)
	}
	return out
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
}

// ParseOrder decodes a MedicationRequest or a Bundle of MedicationRequests
// (optionally with the Patient) into an Order. All requests must name the
// same patient.
func ParseOrder(data []byte) (*Order, error) {
	var head resourceHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}

	order := &Order{}
	var bundleID string
	switch head.ResourceType {
	case "MedicationRequest":
		var req MedicationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode MedicationRequest: %w", err)
		}
		order.Requests = append(order.Requests, &req)
	case "Bundle":
		var b Bundle
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("decode Bundle: %w", err)
		}
		if err := order.addEntries(b.Entry); err != nil {
			return nil, err
		}
		if b.Identifier != nil && b.Identifier.Value != "" {
			bundleID = b.Identifier.Value
		} else {
			bundleID = b.ID
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedResource, head.ResourceType)
	}

	if len(order.Requests) == 0 {
		return nil, fmt.Errorf("%w: no MedicationRequest", ErrInvalidOrder)
	}
	for _, req := range order.Requests {
		pid := req.GetPatientID()
		if pid == "" {
			return nil, fmt.Errorf("%w: request %q has no subject", ErrInvalidOrder, req.ID)
		}
		if order.PatientID == "" {
			order.PatientID = pid
		} else if order.PatientID != pid {
			return nil, fmt.Errorf("%w: requests name patients %q and %q", ErrInvalidOrder, order.PatientID, pid)
		}
	}
	if order.Patient != nil && order.Patient.ID != "" && order.Patient.ID != order.PatientID {
		return nil, fmt.Errorf("%w: patient %q does not match subject %q", ErrInvalidOrder, order.Patient.ID, order.PatientID)
	}

	first := order.Requests[0]
	switch {
	case first.GroupIdentifier != nil && first.GroupIdentifier.Value != "":
		order.PrescriptionID = first.GroupIdentifier.Value
	case bundleID != "":
		order.PrescriptionID = bundleID
	default:
		order.PrescriptionID = first.ID
	}
	if order.PrescriptionID == "" {
		return nil, fmt.Errorf("%w: no prescription identifier", ErrInvalidOrder)
	}
	return order, nil
}

func (o *Order) addEntries(entries []BundleEntry) error {
	for i, e := range entries {
		var head resourceHeader
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return fmt.Errorf("decode entry %d: %w", i, err)
		}
		switch head.ResourceType {
		case "MedicationRequest":
			var req MedicationRequest
			if err := json.Unmarshal(e.Resource, &req); err != nil {
				return fmt.Errorf("decode entry %d: %w", i, err)
			}
			o.Requests = append(o.Requests, &req)
		case "Patient":
			var p Patient
			if err := json.Unmarshal(e.Resource, &p); err != nil {
				return fmt.Errorf("decode entry %d: %w", i, err)
			}
			o.Patient = &p
		}
	}
	return nil
}
