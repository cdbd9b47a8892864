package domain

import (
	"math"
	"sort"
)

// Plausibility limits accepted on input.
const (
	MaxPatientAge      = 130
	MaxPatientWeightKg = 400
	MaxPatientHeightCm = 275
)

// PatientAttributes is the attribute bag supplied by the caller for one calculation.
// The engine never mutates it; normalization produces a separate copy.
type PatientAttributes struct {
	Age         int                `json:"age"`
	Sex         Sex                `json:"sex,omitempty"`
	Pregnancy   PregnancyStatus    `json:"pregnancy_status,omitempty"`
	WeightKg    float64            `json:"weight_kg,omitempty"`
	HeightCm    float64            `json:"height_cm,omitempty"`
	Frail       bool               `json:"frail,omitempty"`
	Conditions  []string           `json:"conditions,omitempty"`
	Medications []string           `json:"medications,omitempty"`
	Labs        map[string]float64 `json:"labs,omitempty"`
}

// Validate checks the numeric invariants of the attribute bag.
// Free-text fields are checked during normalization against the catalog vocabulary.
func (p *PatientAttributes) Validate() error {
	if p.Age < 0 {
		return NewValidationError("age", "must not be negative", p.Age)
	}
	if p.Age > MaxPatientAge {
		return NewValidationError("age", "exceeds plausible maximum", p.Age)
	}
	if p.WeightKg < 0 || math.IsNaN(p.WeightKg) || math.IsInf(p.WeightKg, 0) {
		return NewValidationError("weight_kg", "must be a positive number", p.WeightKg)
	}
	if p.WeightKg > MaxPatientWeightKg {
		return NewValidationError("weight_kg", "exceeds plausible maximum", p.WeightKg)
	}
	if p.HeightCm < 0 || math.IsNaN(p.HeightCm) || math.IsInf(p.HeightCm, 0) {
		return NewValidationError("height_cm", "must be a positive number", p.HeightCm)
	}
	if p.HeightCm > MaxPatientHeightCm {
		return NewValidationError("height_cm", "exceeds plausible maximum", p.HeightCm)
	}
	for _, name := range p.labNames() {
		v := p.Labs[name]
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return NewValidationError("labs."+name, "must be a non-negative number", v)
		}
	}
	return nil
}

// HasWeight reports whether a usable body weight was supplied.
func (p *PatientAttributes) HasWeight() bool {
	return p.WeightKg > 0
}

// BMI returns the body-mass index when both weight and height are known.
func (p *PatientAttributes) BMI() (float64, bool) {
	if p.WeightKg <= 0 || p.HeightCm <= 0 {
		return 0, false
	}
	m := p.HeightCm / 100
	return p.WeightKg / (m * m), true
}

// labNames returns lab keys in a stable order so validation errors are deterministic.
func (p *PatientAttributes) labNames() []string {
	names := make([]string, 0, len(p.Labs))
	for k := range p.Labs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
