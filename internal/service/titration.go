package service

import (
	"github.com/dosing-safety-mcp-server/internal/domain"
)

type rampStep struct {
	name     string
	duration string
	fraction float64
	note     string
}

// derivedRamp is the three-phase escalation used when a template has no literal schedule.
var derivedRamp = []rampStep{
	{name: "Week 1", duration: "1 week", fraction: 0.5, note: "Starting dose - monitor for tolerability"},
	{name: "Week 2", duration: "1 week", fraction: 0.75, note: "Increased dose - continue monitoring"},
	{name: "Maintenance", fraction: 1.0, note: "Target maintenance dose"},
}

// buildTitration returns nil when the template is not titration-eligible.
// Literal schedules are returned verbatim; they are regulator-defined and never rescaled.
func buildTitration(t *domain.DosingTemplate, target, weightKg float64, clampPhases bool) *domain.TitrationPlan {
	if t.HasLiteralTitration() {
		return &domain.TitrationPlan{
			ItemID: t.ItemID,
			Mode:   domain.TitrationLiteral,
			Unit:   t.Unit,
			Phases: append([]domain.TitrationPhase(nil), t.Titration...),
		}
	}
	if !t.TitrationEligible {
		return nil
	}

	plan := &domain.TitrationPlan{
		ItemID: t.ItemID,
		Mode:   domain.TitrationDerived,
		Unit:   t.Unit,
		Phases: make([]domain.TitrationPhase, 0, len(derivedRamp)),
	}
	for _, step := range derivedRamp {
		dose := round3(target * step.fraction)
		if clampPhases {
			dose, _ = clampDose(t, dose, weightKg)
		}
		plan.Phases = append(plan.Phases, domain.TitrationPhase{
			Name:      step.name,
			Duration:  step.duration,
			Dose:      dose,
			Frequency: t.Frequency,
			Note:      step.note,
		})
	}
	return plan
}
