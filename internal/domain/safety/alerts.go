package safety

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
)

// beersMinAge is the age from which Beers criteria apply
const beersMinAge = 65

// CheckClinicalAlerts screens a medication list against reference data:
// interactions between the listed medications, Beers criteria for older
// patients and pregnancy categories D and X. Each interacting pair is
// reported once.
func (m *Monitor) CheckClinicalAlerts(medications []string, profile PatientProfile) []ClinicalAlert {
	alerts := []ClinicalAlert{}
	if m.kb == nil {
		return alerts
	}

	pairs := make(map[string]bool)
	for i, med := range medications {
		rec := m.kb.GetMedicationByName(med)
		if rec == nil {
			alerts = append(alerts, ClinicalAlert{
				Kind:       AlertUnknownMedication,
				Severity:   AlertInfo,
				Medication: med,
				Message:    fmt.Sprintf("%s is not in the medication reference", med),
			})
			continue
		}

		others := make([]string, 0, len(medications)-1)
		for j, o := range medications {
			if j != i {
				others = append(others, o)
			}
		}
		for _, hit := range m.kb.CheckInteractions(rec.Name, others) {
			key := pairKey(rec.Name, hit.InteractingDrug)
			if pairs[key] {
				continue
			}
			pairs[key] = true
			msg := fmt.Sprintf("%s interaction between %s and %s", hit.Severity, rec.Name, hit.InteractingDrug)
			if hit.Description != "" {
				msg += ": " + hit.Description
			}
			alerts = append(alerts, ClinicalAlert{
				Kind:       AlertInteraction,
				Severity:   interactionAlertSeverity(hit.Severity),
				Medication: rec.Name,
				Related:    hit.InteractingDrug,
				Message:    msg,
			})
		}

		if profile.Age != nil && *profile.Age >= beersMinAge {
			if b := m.kb.CheckBeersCriteria(rec.Name); b != nil && b.IsInappropriate {
				msg := fmt.Sprintf("%s is potentially inappropriate for patients %d and older", rec.Name, beersMinAge)
				if b.Rationale != "" {
					msg += ": " + b.Rationale
				}
				alerts = append(alerts, ClinicalAlert{
					Kind:       AlertBeers,
					Severity:   AlertWarning,
					Medication: rec.Name,
					Message:    msg,
				})
			}
		}

		if profile.Pregnant {
			switch cat := strings.ToUpper(m.kb.CheckPregnancyCategory(rec.Name)); cat {
			case "D":
				alerts = append(alerts, ClinicalAlert{
					Kind:       AlertPregnancy,
					Severity:   AlertWarning,
					Medication: rec.Name,
					Message:    fmt.Sprintf("%s is pregnancy category D: evidence of fetal risk", rec.Name),
				})
			case "X":
				alerts = append(alerts, ClinicalAlert{
					Kind:       AlertPregnancy,
					Severity:   AlertCritical,
					Medication: rec.Name,
					Message:    fmt.Sprintf("%s is pregnancy category X: contraindicated in pregnancy", rec.Name),
				})
			}
		}
	}
	return alerts
}

func interactionAlertSeverity(s knowledge.InteractionSeverity) AlertSeverity {
	switch s {
	case knowledge.InteractionMajor, knowledge.InteractionContraindicated:
		return AlertCritical
	default:
		return AlertWarning
	}
}

func pairKey(a, b string) string {
	a, b = knowledge.Normalize(a), knowledge.Normalize(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
