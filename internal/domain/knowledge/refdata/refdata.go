// Package refdata bundles the reference medications, treatment guidelines
// and demo safety history the engine seeds an empty cache with.
package refdata

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
)

//go:embed *.json
var files embed.FS

// Bundle reads the embedded data set. Every call decodes a fresh copy.
type Bundle struct{}

// Bundled returns the embedded data set
func Bundled() Bundle { return Bundle{} }

// Medications implements knowledge.Dataset
func (Bundle) Medications() ([]knowledge.MedicationRecord, error) {
	return decode[knowledge.MedicationRecord]("medications.json")
}

// Guidelines implements knowledge.Dataset
func (Bundle) Guidelines() ([]knowledge.TreatmentGuideline, error) {
	return decode[knowledge.TreatmentGuideline]("guidelines.json")
}

// SafetyIssues implements safety.Seed
func (Bundle) SafetyIssues() ([]safety.SafetyIssue, error) {
	return decode[safety.SafetyIssue]("safety_issues.json")
}

// MedicationStats implements safety.Seed
func (Bundle) MedicationStats() ([]safety.MedicationStatistic, error) {
	return decode[safety.MedicationStatistic]("medication_stats.json")
}

func decode[T any](name string) ([]T, error) {
	raw, err := files.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}

var (
	_ knowledge.Dataset = Bundle{}
	_ safety.Seed       = Bundle{}
)
