package service

import (
	"fmt"
	"strconv"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

// adjustment accumulates the running dose and the audit trail of the adjustment pipeline.
type adjustment struct {
	dose            float64
	contraindicated bool
	reasons         []string
	applied         []string
	notes           []string
	monitoring      []string
}

// apply multiplies in one factor. A stop factor zeroes the dose but the pipeline keeps going
// so the audit trail explains every consideration, not only the first.
func (a *adjustment) apply(f domain.AdjustmentFactor) {
	switch {
	case f.IsStop():
		a.dose = 0
		a.contraindicated = true
		a.reasons = appendUnique(a.reasons, f.Reason)
		a.applied = append(a.applied, fmt.Sprintf("%s adjustment: contraindicated (%s)", f.Kind.AuditLabel(), f.Name))
	case f.Scalar != 1:
		a.dose *= f.Scalar
		a.applied = append(a.applied, fmt.Sprintf("%s adjustment: %s×", f.Kind.AuditLabel(), formatScalar(f.Scalar)))
	}

	if f.Note != "" {
		a.notes = appendUnique(a.notes, f.Note)
	}
	if f.Timing != "" {
		a.notes = appendUnique(a.notes, "Timing: "+f.Timing)
	}
	if f.Monitoring != "" {
		a.monitoring = appendUnique(a.monitoring, f.Monitoring)
	}
}

// adjustDose runs the fixed factor sequence: age, sex, body mass, conditions, medications.
// Conditions and medications are cumulative; every matching factor multiplies in once.
func adjustDose(cat *catalog.Catalog, t *domain.DosingTemplate, p *patientView) *adjustment {
	a := &adjustment{dose: t.BaseFor(p.attrs.WeightKg)}

	for _, band := range cat.AgeBands() {
		if band.Contains(p.attrs.Age) {
			a.apply(band.Factor)
			break
		}
	}

	// Pregnancy has already been handled as a hard stop; only the sex scalar remains.
	if f, ok := cat.SexFactor(p.sex); ok {
		a.apply(f)
	}

	// Weight-scaled templates already account for body size.
	if !t.WeightScaled {
		if bmi, ok := p.attrs.BMI(); ok {
			for _, band := range cat.BMIBands() {
				if band.Contains(bmi) {
					a.apply(band.Factor)
					break
				}
			}
		}
	}

	for _, f := range cat.ConditionFactors() {
		if f.AppliesTo.Matches(t) && p.hasCondition(f.Match) {
			a.apply(f)
		}
	}

	for _, f := range cat.MedicationFactors() {
		if f.AppliesTo.Matches(t) && p.takes(f.Match) {
			a.apply(f)
		}
	}

	return a
}

func formatScalar(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
