package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
	"github.com/drfirst/go-medsafe/internal/infrastructure/cache"
	"github.com/drfirst/go-medsafe/pkg/lazyinit"
)

// Cache keys owned by the monitor
const (
	CacheKeyIssues = "safety_issues"
	CacheKeyStats  = "medication_stats"
)

// Seed supplies the issues and statistics used when the cache is empty
type Seed interface {
	SafetyIssues() ([]SafetyIssue, error)
	MedicationStats() ([]MedicationStatistic, error)
}

// Knowledge is the reference data the monitor consults
type Knowledge interface {
	Initialize(ctx context.Context) error
	GetMedicationByName(name string) *knowledge.MedicationRecord
	GetMedicationExact(name string) *knowledge.MedicationRecord
	GetMedicationByRxNorm(code string) *knowledge.MedicationRecord
	CheckInteractions(name string, candidates []string) []knowledge.InteractionMatch
	CheckBeersCriteria(name string) *knowledge.BeersCriteria
	CheckPregnancyCategory(name string) string
}

// Recorder receives operational measurements
type Recorder interface {
	IssueReported(t IssueType, s Severity)
	IssueStatusChanged(to IssueStatus)
	PrescriptionEvaluated(safe bool, warnings int, elapsed time.Duration)
	PrescriptionsFulfilled(n int)
	AdverseEventRecorded()
	PersistFailed(key string)
}

type nopRecorder struct{}

func (nopRecorder) IssueReported(IssueType, Severity) {}
func (nopRecorder) IssueStatusChanged(IssueStatus) {}
func (nopRecorder) PrescriptionEvaluated(bool, int, time.Duration) {}
func (nopRecorder) PrescriptionsFulfilled(int) {}
func (nopRecorder) AdverseEventRecorded() {}
func (nopRecorder) PersistFailed(string) {}

// Config holds monitor configuration
type Config struct {
	// CacheTTL applies to every collection the monitor writes.
	CacheTTL time.Duration
	// AdverseRateThreshold is the adverse event ratio above which a
	// medication makes a prescription unsafe. Defaults to 0.10.
	AdverseRateThreshold float64
}

// DefaultAdverseRateThreshold is used when Config leaves it zero
const DefaultAdverseRateThreshold = 0.10

// Monitor owns reported safety issues and medication statistics.
//
// A single RWMutex guards both indices. Cache writes happen after the lock
// is released and are serialized by flushMu, each writing a snapshot taken
// after acquiring it, so an older snapshot never lands after a newer one.
type Monitor struct {
	cache     cache.Cache
	seed      Seed
	kb        Knowledge
	publisher EventPublisher
	recorder  Recorder
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	guard     lazyinit.Guard

	now   func() time.Time
	newID func() string

	mu         sync.RWMutex
	issues     map[string]*SafetyIssue
	issueOrder []string
	stats      map[string]*MedicationStatistic
	statsOrder []string

	flushMu sync.Mutex
}

// NewMonitor creates an uninitialized monitor. A nil publisher or recorder
// discards events and measurements.
func NewMonitor(c cache.Cache, seed Seed, kb Knowledge, publisher EventPublisher, recorder Recorder, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.AdverseRateThreshold <= 0 {
		cfg.AdverseRateThreshold = DefaultAdverseRateThreshold
	}
	m := &Monitor{
		cache:     c,
		seed:      seed,
		kb:        kb,
		publisher: publisher,
		recorder:  recorder,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("safety-monitor"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	m.reset()
	return m
}

func (m *Monitor) reset() {
	m.issues = make(map[string]*SafetyIssue)
	m.issueOrder = nil
	m.stats = make(map[string]*MedicationStatistic)
	m.statsOrder = nil
}

// Initialize loads issues and statistics from the cache or the seed. The
// knowledge repository is initialized first. Safe to call repeatedly and
// concurrently.
func (m *Monitor) Initialize(ctx context.Context) error {
	return m.guard.Do(ctx, m.load)
}

// State reports the initialization lifecycle state
func (m *Monitor) State() lazyinit.State { return m.guard.State() }

// Ready reports whether Initialize has completed
func (m *Monitor) Ready() bool { return m.guard.Ready() }

func (m *Monitor) load(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "safety_initialize")
	defer span.End()

	if m.kb != nil {
		if err := m.kb.Initialize(ctx); err != nil {
			span.RecordError(err)
			return fmt.Errorf("initialize knowledge repository: %w", err)
		}
	}

	issues, issuesFound, err := cache.GetCollection[SafetyIssue](ctx, m.cache, CacheKeyIssues)
	if err != nil {
		span.RecordError(err)
		return err
	}
	stats, statsFound, err := cache.GetCollection[MedicationStatistic](ctx, m.cache, CacheKeyStats)
	if err != nil {
		span.RecordError(err)
		return err
	}

	source := "cache"
	if !issuesFound || !statsFound {
		source = "seed"
		if issues, err = m.seed.SafetyIssues(); err != nil {
			return fmt.Errorf("load seed safety issues: %w", err)
		}
		if stats, err = m.seed.MedicationStats(); err != nil {
			return fmt.Errorf("load seed medication stats: %w", err)
		}
	}

	m.mu.Lock()
	m.reset()
	for i := range issues {
		is := issues[i]
		if _, dup := m.issues[is.ID]; dup || is.ID == "" {
			continue
		}
		if is.RelatedPrescriptions == nil {
			is.RelatedPrescriptions = []string{}
		}
		m.issues[is.ID] = &is
		m.issueOrder = append(m.issueOrder, is.ID)
	}
	for i := range stats {
		st := stats[i]
		key := knowledge.Normalize(st.Medication)
		if _, dup := m.stats[key]; dup || key == "" {
			continue
		}
		m.stats[key] = &st
		m.statsOrder = append(m.statsOrder, key)
	}
	issueCount, statCount := len(m.issueOrder), len(m.statsOrder)
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("issues", issueCount),
		attribute.Int("stats", statCount),
	)
	m.logger.Info("safety monitor initialized",
		zap.String("source", source),
		zap.Int("issues", issueCount),
		zap.Int("medication_stats", statCount))

	if source == "seed" {
		m.persistIssues(ctx)
		m.persistStats(ctx)
	}
	return nil
}

// ReportSafetyIssue stores a new issue in REPORTED status and returns it
func (m *Monitor) ReportSafetyIssue(ctx context.Context, in ReportInput) (*SafetyIssue, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "report_safety_issue")
	defer span.End()

	if err := in.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	issue := &SafetyIssue{
		ID:                   m.newID(),
		PatientID:            in.PatientID,
		Medications:          append([]string(nil), in.Medications...),
		IssueType:            in.IssueType,
		Severity:             in.Severity,
		Description:          in.Description,
		Symptoms:             append([]string{}, in.Symptoms...),
		ReportDate:           m.now(),
		Status:               StatusReported,
		RelatedPrescriptions: []string{},
	}

	m.mu.Lock()
	m.issues[issue.ID] = issue
	m.issueOrder = append(m.issueOrder, issue.ID)
	statsTouched := false
	if issue.IssueType == IssueInteraction {
		statsTouched = m.countInteractions(issue.Medications)
	}
	out := issue.clone()
	m.mu.Unlock()

	span.SetAttributes(
		attribute.String("issue_id", out.ID),
		attribute.String("issue_type", string(out.IssueType)),
		attribute.String("severity", string(out.Severity)),
	)
	m.logger.Info("safety issue reported",
		zap.String("issue_id", out.ID),
		zap.String("patient_id", out.PatientID),
		zap.Strings("medications", out.Medications),
		zap.String("issue_type", string(out.IssueType)),
		zap.String("severity", string(out.Severity)))
	m.recorder.IssueReported(out.IssueType, out.Severity)

	m.persistIssues(ctx)
	if statsTouched {
		m.persistStats(ctx)
	}
	m.publish(ctx, AggregateSafetyIssue, out.ID, out.PatientID, EventSafetyIssueReported, out)
	return out, nil
}

// countInteractions bumps the interaction frequency between every pair of
// medications that already have a statistic. Must be called with m.mu held.
func (m *Monitor) countInteractions(meds []string) bool {
	touched := false
	for i, a := range meds {
		st := m.stats[knowledge.Normalize(a)]
		if st == nil {
			continue
		}
		bumped := false
		for j, b := range meds {
			if i == j || knowledge.Normalize(a) == knowledge.Normalize(b) {
				continue
			}
			found := false
			for k := range st.InteractionFrequency {
				if knowledge.Normalize(st.InteractionFrequency[k].Medication) == knowledge.Normalize(b) {
					st.InteractionFrequency[k].Count++
					found = true
					break
				}
			}
			if !found {
				st.InteractionFrequency = append(st.InteractionFrequency, InteractionFrequency{Medication: b, Count: 1})
			}
			bumped = true
		}
		if bumped {
			st.LastUpdated = m.now()
			touched = true
		}
	}
	return touched
}

// UpdateIssueStatus moves an issue to status. It returns nil, nil when no
// issue has id. Moving to RESOLVED stamps the resolved date and stores
// resolution when one is given.
func (m *Monitor) UpdateIssueStatus(ctx context.Context, id string, status IssueStatus, resolution string) (*SafetyIssue, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	next, err := ParseIssueStatus(string(status))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	issue, ok := m.issues[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	prev := issue.Status
	if !prev.CanTransitionTo(next) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, prev, next)
	}
	if prev == next {
		out := issue.clone()
		m.mu.Unlock()
		return out, nil
	}
	issue.Status = next
	if next == StatusResolved {
		t := m.now()
		issue.ResolvedDate = &t
		if resolution != "" {
			issue.Resolution = resolution
		}
	}
	out := issue.clone()
	m.mu.Unlock()

	m.logger.Info("safety issue status changed",
		zap.String("issue_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	m.recorder.IssueStatusChanged(next)

	m.persistIssues(ctx)
	m.publish(ctx, AggregateSafetyIssue, id, out.PatientID, EventSafetyIssueStatusChanged, IssueStatusChangedData{
		IssueID:    id,
		From:       prev,
		To:         next,
		Resolution: out.Resolution,
		ChangedAt:  m.now(),
	})
	return out, nil
}

// GetSafetyIssue returns one issue, or nil
func (m *Monitor) GetSafetyIssue(id string) *SafetyIssue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if is, ok := m.issues[id]; ok {
		return is.clone()
	}
	return nil
}

// GetPatientSafetyIssues returns every issue reported for patientID in
// report order
func (m *Monitor) GetPatientSafetyIssues(patientID string) []*SafetyIssue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*SafetyIssue{}
	for _, id := range m.issueOrder {
		if is := m.issues[id]; is.PatientID == patientID {
			out = append(out, is.clone())
		}
	}
	return out
}

// GetMedicationSafetyIssues returns every issue implicating a medication
// that partially matches name, so "Lisin" finds Lisinopril issues.
func (m *Monitor) GetMedicationSafetyIssues(name string) []*SafetyIssue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*SafetyIssue{}
	for _, id := range m.issueOrder {
		if is := m.issues[id]; is.implicates(name) {
			out = append(out, is.clone())
		}
	}
	return out
}

func (i *SafetyIssue) implicates(medication string) bool {
	for _, med := range i.Medications {
		if knowledge.MatchesPartial(med, medication) {
			return true
		}
	}
	return false
}

// RecordPrescriptionFulfilled counts one prescription for each medication,
// creating statistics on first reference.
func (m *Monitor) RecordPrescriptionFulfilled(ctx context.Context, medications []string, patientID string) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}
	if len(medications) == 0 {
		return nil
	}

	m.mu.Lock()
	now := m.now()
	counted := make([]string, 0, len(medications))
	for _, med := range medications {
		st := m.statFor(med)
		if st == nil {
			continue
		}
		st.TotalPrescriptions++
		st.LastUpdated = now
		counted = append(counted, med)
	}
	m.mu.Unlock()

	m.logger.Debug("prescription fulfilled",
		zap.String("patient_id", patientID),
		zap.Strings("medications", counted))
	m.recorder.PrescriptionsFulfilled(len(counted))

	m.persistStats(ctx)
	// fulfilments arrive without a prescription id; they order per patient
	m.publish(ctx, AggregatePatient, patientID, patientID, EventPrescriptionFulfilled, PrescriptionFulfilledData{
		Medications: counted,
		FulfilledAt: now,
	})
	return nil
}

// statFor gets or creates the statistic for med. Must be called with m.mu
// held. Returns nil for a blank name.
func (m *Monitor) statFor(med string) *MedicationStatistic {
	key := knowledge.Normalize(med)
	if key == "" {
		return nil
	}
	if st, ok := m.stats[key]; ok {
		return st
	}
	st := &MedicationStatistic{
		Medication:           med,
		CommonSideEffects:    []SideEffectFrequency{},
		InteractionFrequency: []InteractionFrequency{},
	}
	m.stats[key] = st
	m.statsOrder = append(m.statsOrder, key)
	return st
}

// RecordAdverseEvent counts an adverse event and its symptoms against a
// medication and returns the updated statistic.
func (m *Monitor) RecordAdverseEvent(ctx context.Context, medication string, symptoms []string) (*MedicationStatistic, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	st := m.statFor(medication)
	if st == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: medication is required", ErrInvalidIssue)
	}
	st.AdverseEvents++
	for _, sym := range symptoms {
		key := knowledge.Normalize(sym)
		if key == "" {
			continue
		}
		found := false
		for k := range st.CommonSideEffects {
			if knowledge.Normalize(st.CommonSideEffects[k].Symptom) == key {
				st.CommonSideEffects[k].Count++
				found = true
				break
			}
		}
		if !found {
			st.CommonSideEffects = append(st.CommonSideEffects, SideEffectFrequency{Symptom: sym, Count: 1})
		}
	}
	for k := range st.CommonSideEffects {
		st.CommonSideEffects[k].PercentageOfUsers = percentOf(st.CommonSideEffects[k].Count, st.TotalPrescriptions)
	}
	sort.SliceStable(st.CommonSideEffects, func(a, b int) bool {
		return st.CommonSideEffects[a].Count > st.CommonSideEffects[b].Count
	})
	st.LastUpdated = m.now()
	out := st.clone()
	m.mu.Unlock()

	m.recorder.AdverseEventRecorded()
	m.persistStats(ctx)
	m.publish(ctx, AggregateMedication, out.Medication, "", EventAdverseEventRecorded, AdverseEventRecordedData{
		Medication: out.Medication,
		Symptoms:   symptoms,
		RecordedAt: out.LastUpdated,
	})
	return out, nil
}

func percentOf(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// GetMedicationStats returns the statistic for a medication name, or nil
func (m *Monitor) GetMedicationStats(name string) *MedicationStatistic {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.stats[knowledge.Normalize(name)]; ok {
		return st.clone()
	}
	return nil
}

// TrackPrescriptionSafety tallies generated suggestions by review status.
// diagnosisID is carried for the audit trail only.
func (m *Monitor) TrackPrescriptionSafety(ctx context.Context, suggestions []PrescriptionSuggestion, patientID, diagnosisID string) TrackingSummary {
	_, span := m.tracer.Start(ctx, "track_prescription_safety")
	defer span.End()

	summary := TrackingSummary{DiagnosisID: diagnosisID}
	for _, s := range suggestions {
		switch SuggestionStatus(strings.ToUpper(strings.TrimSpace(string(s.Status)))) {
		case SuggestionApproved:
			summary.SafeCount++
		case SuggestionRequiresReview:
			summary.ReviewCount++
		case SuggestionRejected:
			summary.RejectedCount++
		}
	}

	m.logger.Info("prescription suggestions tracked",
		zap.String("patient_id", patientID),
		zap.String("diagnosis_id", diagnosisID),
		zap.Int("safe", summary.SafeCount),
		zap.Int("review", summary.ReviewCount),
		zap.Int("rejected", summary.RejectedCount))
	return summary
}

// ResolveMedicationName maps an RxNorm code, canonical name or brand name to
// the canonical medication name. Anything else, including combination
// products and fragments of a known name, is returned trimmed and unchanged.
func (m *Monitor) ResolveMedicationName(nameOrRxNorm string) string {
	if m.kb != nil {
		if rec := m.kb.GetMedicationByRxNorm(nameOrRxNorm); rec != nil {
			return rec.Name
		}
		if rec := m.kb.GetMedicationExact(nameOrRxNorm); rec != nil {
			return rec.Name
		}
	}
	return strings.TrimSpace(nameOrRxNorm)
}

func (m *Monitor) persistIssues(ctx context.Context) {
	m.flush(ctx, CacheKeyIssues, func() interface{} {
		out := make([]*SafetyIssue, 0, len(m.issueOrder))
		for _, id := range m.issueOrder {
			out = append(out, m.issues[id])
		}
		return out
	})
}

func (m *Monitor) persistStats(ctx context.Context) {
	m.flush(ctx, CacheKeyStats, func() interface{} {
		out := make([]*MedicationStatistic, 0, len(m.statsOrder))
		for _, key := range m.statsOrder {
			out = append(out, m.stats[key])
		}
		return out
	})
}

// flush writes a collection snapshot. Failures are logged and counted; the
// in-memory state stays authoritative until the next successful flush.
func (m *Monitor) flush(ctx context.Context, key string, snapshot func() interface{}) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.RLock()
	data, err := json.Marshal(snapshot())
	m.mu.RUnlock()
	if err == nil {
		err = m.cache.Set(ctx, key, data, m.config.CacheTTL)
	}
	if err != nil {
		m.recorder.PersistFailed(key)
		m.logger.Warn("failed to persist safety state",
			zap.String("key", key),
			zap.Error(err))
	}
}

func (m *Monitor) publish(ctx context.Context, aggregateType, aggregateID, patientID string, eventType EventType, data interface{}) {
	event, err := NewEvent(aggregateType, aggregateID, eventType, data)
	if err == nil {
		err = m.publisher.Publish(ctx, event.WithPatient(patientID))
	}
	if err != nil {
		m.logger.Warn("failed to publish domain event",
			zap.String("event_type", string(eventType)),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err))
	}
}
