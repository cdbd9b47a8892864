package service

import (
	"sort"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

// patientView is the normalized, read-only projection of a caller's attribute bag.
// Free-text tags are mapped onto the catalog vocabulary; the original is never modified.
type patientView struct {
	attrs     domain.PatientAttributes
	sex       domain.Sex
	pregnancy domain.PregnancyStatus

	conditions map[string]bool

	// medications keeps resolved ids in input order; medicationKeys adds every class they belong to.
	medications             []string
	medicationKeys          map[string]bool
	unrecognizedMedications []string

	labs             map[string]float64
	unrecognizedLabs []string
}

func normalizePatient(cat *catalog.Catalog, p domain.PatientAttributes) (*patientView, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sex, err := domain.ParseSex(string(p.Sex))
	if err != nil {
		return nil, domain.NewValidationError("sex", err.Error(), p.Sex)
	}
	pregnancy, err := domain.ParsePregnancyStatus(string(p.Pregnancy))
	if err != nil {
		return nil, domain.NewValidationError("pregnancy_status", err.Error(), p.Pregnancy)
	}

	v := &patientView{
		attrs:          p,
		sex:            sex,
		pregnancy:      pregnancy,
		conditions:     make(map[string]bool),
		medicationKeys: make(map[string]bool),
	}
	for _, tag := range cat.NormalizeConditions(p.Conditions) {
		v.conditions[tag] = true
	}

	seen := make(map[string]bool)
	for _, raw := range p.Medications {
		id, known := cat.ResolveSubstance(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if !known {
			v.unrecognizedMedications = append(v.unrecognizedMedications, id)
			continue
		}
		v.medications = append(v.medications, id)
		for _, key := range cat.Expand(id) {
			v.medicationKeys[key] = true
		}
	}

	v.labs, v.unrecognizedLabs = normalizeLabs(cat, p.Labs)
	return v, nil
}

func normalizeLabs(cat *catalog.Catalog, raw map[string]float64) (map[string]float64, []string) {
	labs := make(map[string]float64, len(raw))
	var unrecognized []string

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key, ok := cat.ResolveLab(name)
		if !ok {
			unrecognized = append(unrecognized, name)
			continue
		}
		labs[key] = raw[name]
	}
	return labs, unrecognized
}

func (v *patientView) hasCondition(tag string) bool {
	return v.conditions[tag]
}

func (v *patientView) hasAnyCondition(tags ...string) bool {
	for _, t := range tags {
		if v.conditions[t] {
			return true
		}
	}
	return false
}

func (v *patientView) takes(key string) bool {
	return v.medicationKeys[key]
}
