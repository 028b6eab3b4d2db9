package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgeGroup(t *testing.T) {
	tests := []struct {
		group  string
		in     []int
		out    []int
		hasErr bool
	}{
		{group: "adult", in: []int{18, 40, 64}, out: []int{17, 65}},
		{group: "Pediatric", in: []int{0, 17}, out: []int{18}},
		{group: "geriatric", in: []int{65, 99}, out: []int{64}},
		{group: "elderly", in: []int{80}, out: []int{50}},
		{group: "neonate", in: []int{0}, out: []int{1}},
		{group: "6-16", in: []int{6, 16}, out: []int{5, 17}},
		{group: "18+", in: []int{18, 120}, out: []int{17}},
		{group: "teen", hasErr: true},
		{group: "a-b", hasErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.group, func(t *testing.T) {
			r, err := parseAgeGroup(tt.group)
			if tt.hasErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, age := range tt.in {
				assert.True(t, r.contains(age), "age %d should be in %s", age, tt.group)
			}
			for _, age := range tt.out {
				assert.False(t, r.contains(age), "age %d should not be in %s", age, tt.group)
			}
		})
	}
}

func TestMatchesPartial(t *testing.T) {
	assert.True(t, MatchesPartial("Lisinopril", "lisin"))
	assert.True(t, MatchesPartial("Lisin", "LISINOPRIL"))
	assert.True(t, MatchesPartial(" Aspirin ", "aspirin"))
	assert.False(t, MatchesPartial("Aspirin", "Warfarin"))
	assert.False(t, MatchesPartial("", "Aspirin"))
	assert.False(t, MatchesPartial("Aspirin", "  "))
}
