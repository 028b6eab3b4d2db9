package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
)

// EvaluatePrescriptionSafety decides whether medications are safe for
// patientID given the patient's prior issues and each medication's
// statistics.
//
// Every prior issue of MODERATE severity or worse that implicates one of the
// medications makes the prescription unsafe, and prescriptionID is linked to
// it. An adverse event rate above the configured threshold also makes it
// unsafe. Known common side effects only add a warning.
func (m *Monitor) EvaluatePrescriptionSafety(ctx context.Context, prescriptionID string, medications []string, patientID string) (*SafetyEvaluation, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "evaluate_prescription_safety")
	defer span.End()
	start := time.Now()

	eval := &SafetyEvaluation{
		PrescriptionID: prescriptionID,
		PatientID:      patientID,
		IsSafe:         true,
		Warnings:       []string{},
		RelatedIssues:  []*SafetyIssue{},
	}

	// the issue lookup and the link it triggers must not interleave with
	// another writer
	m.mu.Lock()
	related := make(map[string]*SafetyIssue)
	var relatedOrder []string
	linked := false

	for _, med := range medications {
		for _, id := range m.issueOrder {
			issue := m.issues[id]
			if issue.PatientID != patientID || !issue.implicates(med) {
				continue
			}
			if !issue.Severity.AtLeast(SeverityModerate) {
				continue
			}
			eval.Warnings = append(eval.Warnings,
				fmt.Sprintf("Previous %s with %s: %s", issue.IssueType, med, issue.Description))
			eval.IsSafe = false
			if _, seen := related[id]; !seen {
				related[id] = issue
				relatedOrder = append(relatedOrder, id)
			}
			if issue.linkPrescription(prescriptionID) {
				linked = true
			}
		}

		st, ok := m.stats[knowledge.Normalize(med)]
		if !ok {
			continue
		}
		if rate := st.AdverseEventRate(); rate > m.config.AdverseRateThreshold {
			eval.Warnings = append(eval.Warnings,
				fmt.Sprintf("High adverse event rate for %s: %.1f%% (%d of %d prescriptions)",
					med, rate*100, st.AdverseEvents, st.TotalPrescriptions))
			eval.IsSafe = false
		}
		if len(st.CommonSideEffects) > 0 {
			symptoms := make([]string, 0, len(st.CommonSideEffects))
			for _, se := range st.CommonSideEffects {
				symptoms = append(symptoms, se.Symptom)
			}
			eval.Warnings = append(eval.Warnings,
				fmt.Sprintf("Common side effects: %s (%s)", strings.Join(symptoms, ", "), med))
		}
	}

	for _, id := range relatedOrder {
		eval.RelatedIssues = append(eval.RelatedIssues, related[id].clone())
	}
	eval.EvaluatedAt = m.now()
	m.mu.Unlock()

	if linked {
		m.persistIssues(ctx)
	}

	span.SetAttributes(
		attribute.String("prescription_id", prescriptionID),
		attribute.Bool("is_safe", eval.IsSafe),
		attribute.Int("warnings", len(eval.Warnings)),
	)
	m.logger.Info("prescription safety evaluated",
		zap.String("prescription_id", prescriptionID),
		zap.String("patient_id", patientID),
		zap.Strings("medications", medications),
		zap.Bool("is_safe", eval.IsSafe),
		zap.Int("warnings", len(eval.Warnings)),
		zap.Int("related_issues", len(eval.RelatedIssues)))
	m.recorder.PrescriptionEvaluated(eval.IsSafe, len(eval.Warnings), time.Since(start))

	m.publish(ctx, AggregatePrescription, prescriptionID, patientID, EventPrescriptionSafetyEvaluated, PrescriptionEvaluatedData{
		PrescriptionID:  prescriptionID,
		Medications:     medications,
		IsSafe:          eval.IsSafe,
		Warnings:        eval.Warnings,
		RelatedIssueIDs: relatedOrder,
		EvaluatedAt:     eval.EvaluatedAt,
	})
	return eval, nil
}
