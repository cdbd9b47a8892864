package service

import (
	"fmt"
	"math"

	"github.com/dosing-safety-mcp-server/internal/domain"
)

// Tolerance for float noise when rounding clamp bounds inward (0.1*3 must not ceil to 0.301).
const roundingEpsilon = 1e-9

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ceil3(v float64) float64 {
	return math.Ceil(v*1000-roundingEpsilon) / 1000
}

func floor3(v float64) float64 {
	return math.Floor(v*1000+roundingEpsilon) / 1000
}

// clampDose applies the regulatory ceilings and then the template's own min/max.
// A zero dose is returned unchanged: a contraindication is never pulled up to the minimum.
// The lowest ceiling is absolute; a template minimum above it is lowered to the ceiling.
// Bounds are rounded inward to three decimals so the rounded result stays inside them.
func clampDose(t *domain.DosingTemplate, dose, weightKg float64) (float64, []string) {
	if dose <= 0 {
		return 0, nil
	}

	var notes []string
	ceiling := math.Inf(1)
	for _, c := range t.Ceilings {
		limit := floor3(c.Limit(weightKg))
		ceiling = math.Min(ceiling, limit)
		if dose > limit {
			dose = limit
			notes = append(notes, fmt.Sprintf("Dose capped at %s ceiling of %s %s", c.Period, formatScalar(limit), t.Unit))
		}
	}

	// Without a weight the per-kg bounds of a weight-scaled template are unknown.
	if t.WeightScaled && weightKg <= 0 {
		return dose, notes
	}

	lo, hi := t.Bounds(weightKg)
	lo, hi = ceil3(lo), floor3(hi)
	if lo > hi {
		lo = hi
	}
	if hi > ceiling {
		hi = ceiling
	}
	if lo > ceiling {
		notes = append(notes, fmt.Sprintf("Minimum of %s %s exceeds the regulatory ceiling; dose held at %s %s",
			formatScalar(lo), t.Unit, formatScalar(ceiling), t.Unit))
		lo = ceiling
	}
	switch {
	case dose < lo:
		dose = lo
		notes = append(notes, fmt.Sprintf("Dose raised to minimum of %s %s", formatScalar(lo), t.Unit))
	case dose > hi:
		dose = hi
		notes = append(notes, fmt.Sprintf("Dose limited to maximum of %s %s", formatScalar(hi), t.Unit))
	}
	return dose, notes
}
