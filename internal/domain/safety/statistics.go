package safety

import (
	"sort"
	"time"

	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
)

// GenerateSafetyStatistics aggregates the issues reported within
// [start, end], both ends inclusive. A medication listed twice on one issue
// counts once for it. Ranking ties keep first-seen order.
func (m *Monitor) GenerateSafetyStatistics(start, end time.Time) *SafetyStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &SafetyStatistics{
		Start:                     start,
		End:                       end,
		IssuesByType:              make(map[IssueType]int),
		IssuesBySeverity:          make(map[Severity]int),
		MedicationsWithMostIssues: []MedicationIssueCount{},
	}

	counts := make(map[string]int)
	names := make(map[string]string)
	var order []string
	resolved := 0

	for _, id := range m.issueOrder {
		is := m.issues[id]
		if is.ReportDate.Before(start) || is.ReportDate.After(end) {
			continue
		}
		out.TotalIssues++
		out.IssuesByType[is.IssueType]++
		out.IssuesBySeverity[is.Severity]++
		if is.Status == StatusResolved {
			resolved++
		}

		seen := make(map[string]bool, len(is.Medications))
		for _, med := range is.Medications {
			key := knowledge.Normalize(med)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if _, ok := counts[key]; !ok {
				names[key] = med
				order = append(order, key)
			}
			counts[key]++
		}
	}

	out.ResolvedIssueRate = percentOf(resolved, out.TotalIssues)
	for _, key := range order {
		out.MedicationsWithMostIssues = append(out.MedicationsWithMostIssues,
			MedicationIssueCount{Medication: names[key], Count: counts[key]})
	}
	sort.SliceStable(out.MedicationsWithMostIssues, func(i, j int) bool {
		return out.MedicationsWithMostIssues[i].Count > out.MedicationsWithMostIssues[j].Count
	})
	return out
}
