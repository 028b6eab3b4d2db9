package refdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/internal/domain/safety"
)

func TestBundle_Decodes(t *testing.T) {
	b := Bundled()

	meds, err := b.Medications()
	require.NoError(t, err)
	require.NotEmpty(t, meds)

	ids := make(map[string]bool)
	codes := make(map[string]bool)
	for _, m := range meds {
		assert.NotEmpty(t, m.Name, m.ID)
		assert.False(t, ids[m.ID], "duplicate id %s", m.ID)
		ids[m.ID] = true
		if m.RxNormCode != "" {
			assert.False(t, codes[m.RxNormCode], "duplicate rxnorm %s", m.RxNormCode)
			codes[m.RxNormCode] = true
		}
		assert.False(t, m.LastUpdated.IsZero(), m.ID)
	}

	guides, err := b.Guidelines()
	require.NoError(t, err)
	require.NotEmpty(t, guides)
	for _, g := range guides {
		assert.NotEmpty(t, g.ICD10Codes, g.ID)
		assert.NotEmpty(t, g.FirstLine, g.ID)
	}
}

func TestBundle_SeedIssuesAreConsistent(t *testing.T) {
	issues, err := Bundled().SafetyIssues()
	require.NoError(t, err)
	require.NotEmpty(t, issues)

	for _, is := range issues {
		_, err := safety.ParseIssueType(string(is.IssueType))
		assert.NoError(t, err, is.ID)
		_, err = safety.ParseSeverity(string(is.Severity))
		assert.NoError(t, err, is.ID)
		assert.Equal(t, is.Status == safety.StatusResolved, is.ResolvedDate != nil, is.ID)
	}

	stats, err := Bundled().MedicationStats()
	require.NoError(t, err)
	for _, st := range stats {
		assert.LessOrEqual(t, st.AdverseEvents, st.TotalPrescriptions, st.Medication)
	}
}
