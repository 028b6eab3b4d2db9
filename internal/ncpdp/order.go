package ncpdp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drfirst/go-medsafe/internal/fhir/r5"
)

// ErrUnsupportedTransaction is returned for messages without a prescription
// transaction.
var ErrUnsupportedTransaction = errors.New("unsupported SCRIPT transaction")

// ToOrder maps a NewRx, RxRenewalResponse or CancelRx onto an order. A
// cancellation yields a cancelled request, which has no actionable
// medications.
func ToOrder(msg *Message) (*r5.Order, error) {
	rx, status := msg.Body.NewRx, r5.StatusActive
	switch {
	case rx != nil:
	case msg.Body.RxRenewal != nil:
		rx = msg.Body.RxRenewal
	case msg.Body.CancelRx != nil:
		rx, status = msg.Body.CancelRx, r5.StatusCancelled
	default:
		return nil, ErrUnsupportedTransaction
	}

	patientID := strings.TrimSpace(rx.Patient.Identification.ID())
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient identification is required", r5.ErrInvalidOrder)
	}

	med := rx.MedicationPrescribed
	req := &r5.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           msg.Header.MessageID,
		Status:       status,
		Intent:       r5.IntentOrder,
		Medication:   r5.CodeableReference{Concept: medicationConcept(med.Product)},
		Subject:      r5.Reference{Reference: "Patient/" + patientID},
		Reason:       reasons(med.Diagnosis),

		RenderedDosageInstruction: med.Sig.SigText,
	}
	if written, err := ParseDate(med.WrittenDate.Date); err == nil {
		req.AuthoredOn = written
	}
	if med.Note != "" {
		req.Note = []r5.Annotation{{Text: med.Note}}
	}
	if req.MedicationKey() == "" {
		return nil, fmt.Errorf("%w: prescribed product has no RxNorm code or description", r5.ErrInvalidOrder)
	}

	return &r5.Order{
		PrescriptionID: prescriptionID(msg, med),
		PatientID:      patientID,
		Requests:       []*r5.MedicationRequest{req},
		Patient:        patient(patientID, rx.Patient),
	}, nil
}

func prescriptionID(msg *Message, med MedicationPrescribed) string {
	switch {
	case msg.Header.PrescriberOrderNumber != "":
		return msg.Header.PrescriberOrderNumber
	case med.PrescriptionNumber != "":
		return med.PrescriptionNumber
	default:
		return msg.Header.MessageID
	}
}

func medicationConcept(p Product) *r5.CodeableConcept {
	c := &r5.CodeableConcept{Text: strings.TrimSpace(p.DrugDescription)}
	if code := p.RxNorm(); code != "" {
		c.Coding = append(c.Coding, r5.Coding{System: r5.SystemRxNorm, Code: code, Display: c.Text})
	}
	if pc := p.DrugCoded.ProductCode; pc.Code != "" && (pc.Qualifier == "" || pc.Qualifier == QualifierNDC) {
		c.Coding = append(c.Coding, r5.Coding{System: r5.SystemNDC, Code: pc.Code, Display: c.Text})
	}
	return c
}

func reasons(diagnoses []Diagnosis) []r5.CodeableReference {
	var out []r5.CodeableReference
	add := func(d *DiagnosisCode) {
		if d == nil || d.Code == "" || d.Qualifier != QualifierICD10 {
			return
		}
		out = append(out, r5.CodeableReference{Concept: &r5.CodeableConcept{
			Coding: []r5.Coding{{System: r5.SystemICD10, Code: d.Code, Display: d.Description}},
		}})
	}
	for i := range diagnoses {
		add(diagnoses[i].Primary)
		add(diagnoses[i].Secondary)
	}
	return out
}

func patient(id string, p Patient) *r5.Patient {
	out := &r5.Patient{
		ResourceType: "Patient",
		ID:           id,
		Gender:       gender(p.Gender),
	}
	if p.DateOfBirth != nil {
		if dob, err := ParseDate(p.DateOfBirth.Date); err == nil {
			out.BirthDate = dob.Format("2006-01-02")
		}
	}
	return out
}

func gender(code string) string {
	switch code {
	case GenderMale:
		return "male"
	case GenderFemale:
		return "female"
	default:
		return "unknown"
	}
}
