package knowledge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/infrastructure/cache"
	"github.com/drfirst/go-medsafe/pkg/lazyinit"
)

// Cache keys owned by the repository
const (
	CacheKeyMedications = "medications"
	CacheKeyGuidelines  = "treatment_guidelines"
)

// Dataset is the bundled reference data used when the cache is empty
type Dataset interface {
	Medications() ([]MedicationRecord, error)
	Guidelines() ([]TreatmentGuideline, error)
}

// Config holds repository configuration
type Config struct {
	// CacheTTL is applied when the seeded collections are written back.
	// Zero keeps them until evicted.
	CacheTTL time.Duration
}

// Repository is the in-memory, multi-indexed store of medication records
// and treatment guidelines.
type Repository struct {
	cache   cache.Cache
	dataset Dataset
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
	guard   lazyinit.Guard

	mu sync.RWMutex
	// primary indices, plus insertion order for deterministic partial matches
	medications     map[string]*MedicationRecord
	medicationOrder []string
	guidelines      map[string]*TreatmentGuideline
	guidelineOrder  []string
	// secondary indices, keyed by normalized value
	byName   map[string]string
	byBrand  map[string]string
	byRxNorm map[string]string
	byICD10  map[string]string
	byCond   map[string]string
}

// NewRepository creates an uninitialized repository
func NewRepository(c cache.Cache, dataset Dataset, cfg Config, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		cache:   c,
		dataset: dataset,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("knowledge-repository"),
	}
	r.reset()
	return r
}

func (r *Repository) reset() {
	r.medications = make(map[string]*MedicationRecord)
	r.medicationOrder = nil
	r.guidelines = make(map[string]*TreatmentGuideline)
	r.guidelineOrder = nil
	r.byName = make(map[string]string)
	r.byBrand = make(map[string]string)
	r.byRxNorm = make(map[string]string)
	r.byICD10 = make(map[string]string)
	r.byCond = make(map[string]string)
}

// Initialize loads the indices from the cache, or seeds them from the
// dataset and writes them back. Safe to call repeatedly and concurrently;
// only the first successful call does any work.
func (r *Repository) Initialize(ctx context.Context) error {
	return r.guard.Do(ctx, r.load)
}

// State reports the initialization lifecycle state
func (r *Repository) State() lazyinit.State { return r.guard.State() }

// Ready reports whether Initialize has completed
func (r *Repository) Ready() bool { return r.guard.Ready() }

func (r *Repository) load(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "knowledge_initialize")
	defer span.End()

	meds, medsFound, err := cache.GetCollection[MedicationRecord](ctx, r.cache, CacheKeyMedications)
	if err != nil {
		span.RecordError(err)
		return err
	}
	guides, guidesFound, err := cache.GetCollection[TreatmentGuideline](ctx, r.cache, CacheKeyGuidelines)
	if err != nil {
		span.RecordError(err)
		return err
	}

	source := "cache"
	if !medsFound || !guidesFound {
		source = "dataset"
		if meds, err = r.dataset.Medications(); err != nil {
			return fmt.Errorf("load reference medications: %w", err)
		}
		if guides, err = r.dataset.Guidelines(); err != nil {
			return fmt.Errorf("load reference guidelines: %w", err)
		}
	}

	r.mu.Lock()
	r.reset()
	for i := range meds {
		r.indexMedication(&meds[i])
	}
	for i := range guides {
		r.indexGuideline(&guides[i])
	}
	r.mu.Unlock()

	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("medications", len(meds)),
		attribute.Int("guidelines", len(guides)),
	)
	r.logger.Info("knowledge repository initialized",
		zap.String("source", source),
		zap.Int("medications", len(meds)),
		zap.Int("guidelines", len(guides)))

	if source == "dataset" {
		r.writeBack(ctx, CacheKeyMedications, meds)
		r.writeBack(ctx, CacheKeyGuidelines, guides)
	}
	return nil
}

func (r *Repository) writeBack(ctx context.Context, key string, v interface{}) {
	if err := cache.SetJSON(ctx, r.cache, key, v, r.config.CacheTTL); err != nil {
		r.logger.Warn("failed to write reference data to cache",
			zap.String("key", key),
			zap.Error(err))
	}
}

// indexMedication must be called with r.mu held. The first record to claim a
// name, brand or code keeps it.
func (r *Repository) indexMedication(m *MedicationRecord) {
	if _, dup := r.medications[m.ID]; dup {
		r.logger.Warn("duplicate medication id ignored", zap.String("id", m.ID))
		return
	}
	r.medications[m.ID] = m
	r.medicationOrder = append(r.medicationOrder, m.ID)

	claim(r.byName, m.Name, m.ID)
	for _, b := range m.BrandNames {
		claim(r.byBrand, b, m.ID)
	}
	claim(r.byRxNorm, m.RxNormCode, m.ID)
}

func (r *Repository) indexGuideline(g *TreatmentGuideline) {
	if _, dup := r.guidelines[g.ID]; dup {
		r.logger.Warn("duplicate guideline id ignored", zap.String("id", g.ID))
		return
	}
	r.guidelines[g.ID] = g
	r.guidelineOrder = append(r.guidelineOrder, g.ID)

	claim(r.byCond, g.Condition, g.ID)
	for _, code := range g.ICD10Codes {
		claim(r.byICD10, code, g.ID)
	}
}

func claim(index map[string]string, key, id string) {
	k := Normalize(key)
	if k == "" {
		return
	}
	if _, taken := index[k]; !taken {
		index[k] = id
	}
}

// Medications returns copies of every record in load order
func (r *Repository) Medications() []*MedicationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*MedicationRecord, 0, len(r.medicationOrder))
	for _, id := range r.medicationOrder {
		out = append(out, r.medications[id].Clone())
	}
	return out
}

// Guidelines returns copies of every guideline in load order
func (r *Repository) Guidelines() []*TreatmentGuideline {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*TreatmentGuideline, 0, len(r.guidelineOrder))
	for _, id := range r.guidelineOrder {
		out = append(out, r.guidelines[id].Clone())
	}
	return out
}
