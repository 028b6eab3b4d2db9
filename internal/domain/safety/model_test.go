package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	typ, err := ParseIssueType("side_effect")
	require.NoError(t, err)
	assert.Equal(t, IssueSideEffect, typ)

	sev, err := ParseSeverity(" Life_Threatening ")
	require.NoError(t, err)
	assert.Equal(t, SeverityLifeThreatening, sev)

	st, err := ParseIssueStatus("under_investigation")
	require.NoError(t, err)
	assert.Equal(t, StatusUnderInvestigation, st)

	_, err = ParseIssueType("")
	assert.ErrorIs(t, err, ErrInvalidIssue)
	_, err = ParseSeverity("bad")
	assert.ErrorIs(t, err, ErrInvalidIssue)
}

func TestSeverity_AtLeast(t *testing.T) {
	assert.True(t, SeverityModerate.AtLeast(SeverityModerate))
	assert.True(t, SeveritySevere.AtLeast(SeverityModerate))
	assert.True(t, SeverityLifeThreatening.AtLeast(SeveritySevere))
	assert.False(t, SeverityMild.AtLeast(SeverityModerate))
	assert.False(t, Severity("UNKNOWN").AtLeast(SeverityMild))
}

func TestIssueStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to IssueStatus
		ok       bool
	}{
		{StatusReported, StatusUnderInvestigation, true},
		{StatusReported, StatusResolved, true},
		{StatusUnderInvestigation, StatusResolved, true},
		{StatusResolved, StatusResolved, true},
		{StatusUnderInvestigation, StatusReported, false},
		{StatusResolved, StatusReported, false},
		{StatusResolved, StatusUnderInvestigation, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestMedicationStatistic_AdverseEventRate(t *testing.T) {
	assert.Equal(t, 0.0, (&MedicationStatistic{AdverseEvents: 3}).AdverseEventRate())
	assert.InDelta(t, 0.12, (&MedicationStatistic{TotalPrescriptions: 100, AdverseEvents: 12}).AdverseEventRate(), 1e-9)
}

func TestSafetyIssue_LinkPrescriptionDeduplicates(t *testing.T) {
	is := &SafetyIssue{RelatedPrescriptions: []string{}}
	assert.True(t, is.linkPrescription("rx1"))
	assert.False(t, is.linkPrescription("rx1"))
	assert.True(t, is.linkPrescription("rx2"))
	assert.Equal(t, []string{"rx1", "rx2"}, is.RelatedPrescriptions)
}
