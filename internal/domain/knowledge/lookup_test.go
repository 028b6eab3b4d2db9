package knowledge_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
	"github.com/drfirst/go-medsafe/internal/infrastructure/cache"
)

func intPtr(i int) *int { return &i }

func TestGetMedicationByName(t *testing.T) {
	repo := newRepository(t)

	tests := []struct {
		query string
		want  string
	}{
		{"lisinopril", "Lisinopril"},
		{"LISINOPRIL", "Lisinopril"},
		{"  Lisinopril ", "Lisinopril"},
		{"Advil", "Ibuprofen"},
		{"motrin", "Ibuprofen"},
		{"Ibupro", "Ibuprofen"},
		{"Lisinopril 10 mg tablet", "Lisinopril"},
		{"coumadin", "Warfarin"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := repo.GetMedicationByName(tt.query)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Name)
		})
	}

	assert.Nil(t, repo.GetMedicationByName("Unobtainium"))
	assert.Nil(t, repo.GetMedicationByName(""))
}

func TestGetMedicationByName_ResolutionOrder(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	require.NoError(t, cache.SetJSON(ctx, mem, knowledge.CacheKeyMedications, []knowledge.MedicationRecord{
		{ID: "1", Name: "Metoprolol"},
		{ID: "2", Name: "Metformin"},
		{ID: "3", Name: "Aspirin Plus"},
		{ID: "4", Name: "Acetylsalicylate", BrandNames: []string{"Aspirin"}},
	}, 0))
	require.NoError(t, cache.SetJSON(ctx, mem, knowledge.CacheKeyGuidelines, []knowledge.TreatmentGuideline{}, 0))

	repo := knowledge.NewRepository(mem, nil, knowledge.Config{}, nil)
	require.NoError(t, repo.Initialize(ctx))

	// substring ties go to the first record loaded
	assert.Equal(t, "1", repo.GetMedicationByName("met").ID)
	// exact brand beats a substring of a canonical name
	assert.Equal(t, "4", repo.GetMedicationByName("aspirin").ID)
	assert.Equal(t, "3", repo.GetMedicationByName("aspirin plus").ID)
}

func TestGetMedicationExact(t *testing.T) {
	repo := newRepository(t)

	assert.Equal(t, "Lisinopril", repo.GetMedicationExact(" LISINOPRIL ").Name)
	assert.Equal(t, "Ibuprofen", repo.GetMedicationExact("advil").Name)
	for _, q := range []string{"Lisinopril-HCTZ", "Aspirin/Dipyridamole", "in", "Pril", ""} {
		assert.Nil(t, repo.GetMedicationExact(q), q)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	repo := newRepository(t)

	rec := repo.GetMedicationByName("Lisinopril")
	require.NotNil(t, rec)
	require.NotEmpty(t, rec.BrandNames)
	require.NotEmpty(t, rec.Interactions)
	rec.Name = "Tampered"
	rec.BrandNames[0] = "Tampered"
	rec.Interactions[0].Severity = knowledge.InteractionMinor
	rec.Interactions = nil

	for _, m := range repo.Medications() {
		if m.ID == rec.ID {
			m.PregnancyCategory = "A"
		}
	}
	byCode := repo.GetMedicationByRxNorm("29046")
	require.NotNil(t, byCode)
	byCode.SideEffects = append(byCode.SideEffects[:0], "none")

	fresh := repo.GetMedicationByName("Lisinopril")
	require.NotNil(t, fresh)
	assert.Equal(t, "Lisinopril", fresh.Name)
	assert.NotEqual(t, "Tampered", fresh.BrandNames[0])
	assert.NotEmpty(t, fresh.Interactions)
	assert.NotEqual(t, "A", repo.CheckPregnancyCategory("Lisinopril"))
	assert.NotEqual(t, []string{"none"}, fresh.SideEffects)
	assert.NotEmpty(t, repo.CheckInteractions("Lisinopril", []string{fresh.Interactions[0].Drug}))

	g := repo.GetGuidelinesForCondition("hypertension")
	require.NotNil(t, g)
	g.Condition = "Tampered"
	g.ICD10Codes = nil
	for _, all := range repo.Guidelines() {
		all.EvidenceLevel = knowledge.EvidenceLow
	}
	again := repo.GetGuidelinesForCondition("hypertension")
	require.NotNil(t, again)
	assert.Equal(t, "guide-001", again.ID)
	assert.NotEqual(t, "Tampered", again.Condition)
	assert.NotEmpty(t, again.ICD10Codes)
	assert.Equal(t, knowledge.EvidenceHigh, again.EvidenceLevel)
}

func TestGetMedicationByRxNorm(t *testing.T) {
	repo := newRepository(t)

	got := repo.GetMedicationByRxNorm("29046")
	require.NotNil(t, got)
	assert.Equal(t, "Lisinopril", got.Name)

	assert.Nil(t, repo.GetMedicationByRxNorm("0000"))
	assert.Nil(t, repo.GetMedicationByRxNorm(""))
}

func TestGetGuidelines(t *testing.T) {
	repo := newRepository(t)

	g := repo.GetGuidelinesForCondition("hypertension")
	require.NotNil(t, g)
	assert.Equal(t, "guide-001", g.ID)
	assert.Equal(t, knowledge.EvidenceHigh, g.EvidenceLevel)

	g = repo.GetGuidelinesForCondition("Diabetes")
	require.NotNil(t, g)
	assert.Equal(t, "Type 2 Diabetes", g.Condition)

	g = repo.GetGuidelinesByICD10("e11")
	require.NotNil(t, g)
	assert.Equal(t, "Type 2 Diabetes", g.Condition)

	assert.Nil(t, repo.GetGuidelinesForCondition("Gout"))
	assert.Nil(t, repo.GetGuidelinesByICD10("M10.9"))
}

func TestCheckBeersCriteria(t *testing.T) {
	repo := newRepository(t)

	b := repo.CheckBeersCriteria("Benadryl")
	require.NotNil(t, b)
	assert.True(t, b.IsInappropriate)
	assert.NotEmpty(t, b.Rationale)

	b = repo.CheckBeersCriteria("Metformin")
	require.NotNil(t, b)
	assert.False(t, b.IsInappropriate)

	assert.Nil(t, repo.CheckBeersCriteria("Amoxicillin"))
	assert.Nil(t, repo.CheckBeersCriteria("Unobtainium"))
}

func TestCheckPregnancyCategory(t *testing.T) {
	repo := newRepository(t)

	assert.Equal(t, "X", repo.CheckPregnancyCategory("warfarin"))
	assert.Equal(t, "D", repo.CheckPregnancyCategory("Zestril"))
	assert.Equal(t, "", repo.CheckPregnancyCategory("Unobtainium"))
}

func TestCheckInteractions(t *testing.T) {
	repo := newRepository(t)

	got := repo.CheckInteractions("Lisinopril", []string{"ibuprofen", "Metformin"})
	require.Len(t, got, 1)
	assert.Equal(t, "Ibuprofen", got[0].InteractingDrug)
	assert.Equal(t, knowledge.InteractionModerate, got[0].Severity)

	got = repo.CheckInteractions("Coumadin", []string{"Aspirin", "Ibuprofen", "Atorvastatin"})
	require.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, knowledge.InteractionMajor, m.Severity)
	}

	got = repo.CheckInteractions("Metformin", []string{"Aspirin"})
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got = repo.CheckInteractions("Unobtainium", []string{"Aspirin"})
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetDosageGuidelines(t *testing.T) {
	repo := newRepository(t)

	tests := []struct {
		name  string
		query knowledge.DosageQuery
		want  []string
	}{
		{
			name:  "no filters",
			query: knowledge.DosageQuery{},
			want:  []string{"10 mg", "5 mg", "2.5 mg", "0.07 mg/kg"},
		},
		{
			name:  "adult with hypertension",
			query: knowledge.DosageQuery{Age: intPtr(45), Condition: "Hypertension"},
			want:  []string{"10 mg"},
		},
		{
			name:  "older adult",
			query: knowledge.DosageQuery{Age: intPtr(70)},
			want:  []string{"2.5 mg"},
		},
		{
			name:  "child with hypertension",
			query: knowledge.DosageQuery{Age: intPtr(10), Condition: "hypertension"},
			want:  []string{"0.07 mg/kg"},
		},
		{
			name:  "condition only",
			query: knowledge.DosageQuery{Condition: "heart failure"},
			want:  []string{"5 mg", "2.5 mg"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := repo.GetDosageGuidelines("Lisinopril", tt.query)
			require.NotNil(t, got)
			var doses []string
			for _, g := range got {
				doses = append(doses, g.Dosage)
			}
			assert.Equal(t, tt.want, doses)
		})
	}

	assert.Nil(t, repo.GetDosageGuidelines("Unobtainium", knowledge.DosageQuery{}))
}
