package knowledge

import "go.uber.org/zap"

// GetMedicationByName resolves name by exact canonical name, then exact brand
// name, then substring match on the canonical name. Substring ties go to the
// record loaded first. Returns a copy, or nil when nothing matches.
func (r *Repository) GetMedicationByName(name string) *MedicationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.medicationByName(name).Clone()
}

// GetMedicationExact resolves name by exact canonical or brand name only
func (r *Repository) GetMedicationExact(name string) *MedicationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.medicationExact(Normalize(name)).Clone()
}

// lookupMedication returns the indexed record for name; callers must not
// modify it.
func (r *Repository) lookupMedication(name string) *MedicationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.medicationByName(name)
}

func (r *Repository) medicationExact(key string) *MedicationRecord {
	if key == "" {
		return nil
	}
	if id, ok := r.byName[key]; ok {
		return r.medications[id]
	}
	if id, ok := r.byBrand[key]; ok {
		return r.medications[id]
	}
	return nil
}

func (r *Repository) medicationByName(name string) *MedicationRecord {
	key := Normalize(name)
	if key == "" {
		return nil
	}
	if m := r.medicationExact(key); m != nil {
		return m
	}
	for _, id := range r.medicationOrder {
		if m := r.medications[id]; MatchesPartial(m.Name, key) {
			return m
		}
	}
	return nil
}

// GetMedicationByRxNorm looks a record up by RxNorm code
func (r *Repository) GetMedicationByRxNorm(code string) *MedicationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.byRxNorm[Normalize(code)]; ok {
		return r.medications[id].Clone()
	}
	return nil
}

// GetGuidelinesForCondition resolves a guideline by condition name using the
// same exact-then-substring order as medication names.
func (r *Repository) GetGuidelinesForCondition(condition string) *TreatmentGuideline {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := Normalize(condition)
	if key == "" {
		return nil
	}
	if id, ok := r.byCond[key]; ok {
		return r.guidelines[id].Clone()
	}
	for _, id := range r.guidelineOrder {
		if g := r.guidelines[id]; MatchesPartial(g.Condition, key) {
			return g.Clone()
		}
	}
	return nil
}

// GetGuidelinesByICD10 returns the first guideline listing code
func (r *Repository) GetGuidelinesByICD10(code string) *TreatmentGuideline {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id, ok := r.byICD10[Normalize(code)]; ok {
		return r.guidelines[id].Clone()
	}
	return nil
}

// CheckBeersCriteria returns the Beers criteria fact for a medication, or nil
// when the medication is unknown or carries none.
func (r *Repository) CheckBeersCriteria(name string) *BeersCriteria {
	m := r.lookupMedication(name)
	if m == nil || m.BeersCriteria == nil {
		return nil
	}
	b := *m.BeersCriteria
	return &b
}

// CheckPregnancyCategory returns the pregnancy category letter, or "" when
// unknown.
func (r *Repository) CheckPregnancyCategory(name string) string {
	m := r.lookupMedication(name)
	if m == nil {
		return ""
	}
	return m.PregnancyCategory
}

// CheckInteractions returns every interaction registered against
// medicationName whose counterpart partially matches one of candidates. An
// unknown medication and a medication with no hits both yield an empty slice.
func (r *Repository) CheckInteractions(medicationName string, candidates []string) []InteractionMatch {
	m := r.lookupMedication(medicationName)
	if m == nil {
		return []InteractionMatch{}
	}

	matches := []InteractionMatch{}
	for _, in := range m.Interactions {
		for _, c := range candidates {
			if MatchesPartial(in.Drug, c) {
				matches = append(matches, InteractionMatch{
					InteractingDrug: in.Drug,
					Severity:        in.Severity,
					Description:     in.Description,
				})
			}
		}
	}
	return matches
}

// GetDosageGuidelines returns the guidelines for a medication that apply to
// q, or nil when the medication is unknown.
func (r *Repository) GetDosageGuidelines(name string, q DosageQuery) []DosageGuideline {
	m := r.lookupMedication(name)
	if m == nil {
		return nil
	}

	out := []DosageGuideline{}
	for _, g := range m.DosageGuidelines {
		if q.Age != nil && g.AgeGroup != "" {
			band, err := parseAgeGroup(g.AgeGroup)
			if err != nil {
				r.logger.Warn("skipping dosage guideline with unreadable age group",
					zap.String("medication", m.Name),
					zap.Error(err))
				continue
			}
			if !band.contains(*q.Age) {
				continue
			}
		}
		if q.Condition != "" && g.Condition != "" && Normalize(g.Condition) != Normalize(q.Condition) {
			continue
		}
		out = append(out, g)
	}
	return out
}
