// Package knowledge holds the canonical medication and treatment-guideline
// facts the safety engine reasons over.
package knowledge

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// InteractionSeverity grades a drug-drug interaction
type InteractionSeverity string

const (
	InteractionMinor           InteractionSeverity = "minor"
	InteractionModerate        InteractionSeverity = "moderate"
	InteractionMajor           InteractionSeverity = "major"
	InteractionContraindicated InteractionSeverity = "contraindicated"
)

// EvidenceLevel grades the evidence behind a guideline
type EvidenceLevel string

const (
	EvidenceLow      EvidenceLevel = "low"
	EvidenceModerate EvidenceLevel = "moderate"
	EvidenceHigh     EvidenceLevel = "high"
)

// Interaction is registered against a medication; Drug names either a
// counterpart medication or a drug class.
type Interaction struct {
	Drug        string              `json:"drug"`
	Severity    InteractionSeverity `json:"severity"`
	Description string              `json:"description,omitempty"`
}

// DosageGuideline is one dosing recommendation for a medication
type DosageGuideline struct {
	Route        string `json:"route"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	MaxDailyDose string `json:"maxDailyDose"`
	AgeGroup     string `json:"ageGroup,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// BeersCriteria records whether a medication is potentially inappropriate in
// older adults
type BeersCriteria struct {
	IsInappropriate bool   `json:"isInappropriate"`
	Rationale       string `json:"rationale,omitempty"`
}

// MedicationRecord is the canonical record of one medication. The repository
// hands out copies; its indexed records never change after load.
type MedicationRecord struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	GenericName       string            `json:"genericName"`
	BrandNames        []string          `json:"brandNames,omitempty"`
	RxNormCode        string            `json:"rxNormCode,omitempty"`
	Classification    string            `json:"classification"`
	DrugClasses       []string          `json:"drugClasses,omitempty"`
	Forms             []string          `json:"forms,omitempty"`
	Strengths         []string          `json:"strengths,omitempty"`
	Indications       []string          `json:"indications,omitempty"`
	Contraindications []string          `json:"contraindications,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	SideEffects       []string          `json:"sideEffects,omitempty"`
	Interactions      []Interaction     `json:"interactions,omitempty"`
	DosageGuidelines  []DosageGuideline `json:"dosageGuidelines,omitempty"`
	References        []string          `json:"references,omitempty"`
	PregnancyCategory string            `json:"pregnancyCategory,omitempty"`
	BeersCriteria     *BeersCriteria    `json:"beersCriteria,omitempty"`
	LastUpdated       time.Time         `json:"lastUpdated"`
}

// TreatmentOption is one regimen within a line of therapy
type TreatmentOption struct {
	Medications []string `json:"medications"`
	Notes       string   `json:"notes,omitempty"`
}

// TreatmentGuideline describes recommended therapy for a condition
type TreatmentGuideline struct {
	ID                 string            `json:"id"`
	Condition          string            `json:"condition"`
	ICD10Codes         []string          `json:"icd10Codes,omitempty"`
	FirstLine          []TreatmentOption `json:"firstLine,omitempty"`
	SecondLine         []TreatmentOption `json:"secondLine,omitempty"`
	SpecialPopulations map[string]string `json:"specialPopulations,omitempty"`
	Source             string            `json:"source"`
	LastUpdated        time.Time         `json:"lastUpdated"`
	EvidenceLevel      EvidenceLevel     `json:"evidenceLevel"`
}

// Clone returns a deep copy of m
func (m *MedicationRecord) Clone() *MedicationRecord {
	if m == nil {
		return nil
	}
	c := *m
	c.BrandNames = slices.Clone(m.BrandNames)
	c.DrugClasses = slices.Clone(m.DrugClasses)
	c.Forms = slices.Clone(m.Forms)
	c.Strengths = slices.Clone(m.Strengths)
	c.Indications = slices.Clone(m.Indications)
	c.Contraindications = slices.Clone(m.Contraindications)
	c.Warnings = slices.Clone(m.Warnings)
	c.SideEffects = slices.Clone(m.SideEffects)
	c.Interactions = slices.Clone(m.Interactions)
	c.DosageGuidelines = slices.Clone(m.DosageGuidelines)
	c.References = slices.Clone(m.References)
	if m.BeersCriteria != nil {
		b := *m.BeersCriteria
		c.BeersCriteria = &b
	}
	return &c
}

// Clone returns a deep copy of g
func (g *TreatmentGuideline) Clone() *TreatmentGuideline {
	if g == nil {
		return nil
	}
	c := *g
	c.ICD10Codes = slices.Clone(g.ICD10Codes)
	c.FirstLine = cloneOptions(g.FirstLine)
	c.SecondLine = cloneOptions(g.SecondLine)
	c.SpecialPopulations = maps.Clone(g.SpecialPopulations)
	return &c
}

func cloneOptions(opts []TreatmentOption) []TreatmentOption {
	if opts == nil {
		return nil
	}
	out := make([]TreatmentOption, len(opts))
	for i, o := range opts {
		out[i] = TreatmentOption{Medications: slices.Clone(o.Medications), Notes: o.Notes}
	}
	return out
}

// InteractionMatch is one interaction found by CheckInteractions
type InteractionMatch struct {
	InteractingDrug string              `json:"interactingDrug"`
	Severity        InteractionSeverity `json:"severity"`
	Description     string              `json:"description,omitempty"`
}

// DosageQuery narrows GetDosageGuidelines. Nil fields are not filtered on.
type DosageQuery struct {
	Age *int
	// WeightKg is accepted for weight-banded dosing; no bundled guideline is
	// banded yet, so it does not filter.
	WeightKg  *float64
	Condition string
}

// ageRange is inclusive on Min and exclusive on Max; Max < 0 means unbounded.
type ageRange struct {
	Min, Max int
}

func (r ageRange) contains(age int) bool {
	return age >= r.Min && (r.Max < 0 || age < r.Max)
}

var namedAgeGroups = map[string]ageRange{
	"neonate":   {0, 1},
	"infant":    {0, 2},
	"pediatric": {0, 18},
	"child":     {0, 18},
	"adult":     {18, 65},
	"geriatric": {65, -1},
	"elderly":   {65, -1},
}

// parseAgeGroup understands the named groups above plus "N-M" (inclusive)
// and "N+".
func parseAgeGroup(group string) (ageRange, error) {
	g := Normalize(group)
	if r, ok := namedAgeGroups[g]; ok {
		return r, nil
	}
	if strings.HasSuffix(g, "+") {
		from, err := strconv.Atoi(strings.TrimSuffix(g, "+"))
		if err != nil {
			return ageRange{}, fmt.Errorf("age group %q: %w", group, err)
		}
		return ageRange{Min: from, Max: -1}, nil
	}
	if lo, hi, ok := strings.Cut(g, "-"); ok {
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return ageRange{}, fmt.Errorf("age group %q: %w", group, err)
		}
		to, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return ageRange{}, fmt.Errorf("age group %q: %w", group, err)
		}
		return ageRange{Min: from, Max: to + 1}, nil
	}
	return ageRange{}, fmt.Errorf("unknown age group %q", group)
}

// Normalize folds a lookup key the way every index in the engine does.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MatchesPartial reports case-insensitive substring containment in either
// direction. Empty strings never match.
func MatchesPartial(a, b string) bool {
	a, b = Normalize(a), Normalize(b)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
