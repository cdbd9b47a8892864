package service

import (
	"fmt"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

// contraindicationCheck is one absolute-stop predicate. Checks run in declaration order and
// the first one that fires supplies the reported reason.
type contraindicationCheck struct {
	name  string
	check func(rules catalog.ContraindicationRules, t *domain.DosingTemplate, p *patientView) (bool, string)
}

var contraindicationChecks = []contraindicationCheck{
	{
		name: "pregnancy",
		check: func(_ catalog.ContraindicationRules, t *domain.DosingTemplate, p *patientView) (bool, string) {
			if !p.pregnancy.Gated() || t.PregnancySafe {
				return false, ""
			}
			return true, fmt.Sprintf("%s is contraindicated during pregnancy/breastfeeding", t.Name)
		},
	},
	{
		name: "active-malignancy",
		check: func(r catalog.ContraindicationRules, t *domain.DosingTemplate, p *patientView) (bool, string) {
			if !t.HasClass(r.GrowthSignalingClass) || !p.hasAnyCondition(r.MalignancyConditions...) {
				return false, ""
			}
			return true, fmt.Sprintf("%s may stimulate cell growth and is contraindicated with active cancer", t.Name)
		},
	},
	{
		name: "severe-cardiovascular",
		check: func(r catalog.ContraindicationRules, t *domain.DosingTemplate, p *patientView) (bool, string) {
			if !t.HasClass(r.VasoactiveClass) || !p.hasAnyCondition(r.CardiovascularConditions...) {
				return false, ""
			}
			return true, fmt.Sprintf("%s affects blood pressure and is contraindicated with severe cardiovascular disease", t.Name)
		},
	},
}

func evaluateContraindications(cat *catalog.Catalog, t *domain.DosingTemplate, p *patientView) domain.ContraindicationVerdict {
	rules := cat.Contraindications()
	for _, c := range contraindicationChecks {
		if ok, reason := c.check(rules, t, p); ok {
			return domain.ContraindicationVerdict{Contraindicated: true, Rule: c.name, Reason: reason}
		}
	}
	return domain.ContraindicationVerdict{}
}
