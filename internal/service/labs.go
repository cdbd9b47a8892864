package service

import (
	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

type labMatch struct {
	rule  catalog.LabRule
	value float64
}

// matchLabs tries lab rules in catalog order; for each test only the first rule that holds
// is reported, so a critical eGFR rule listed first shadows the milder one.
func matchLabs(cat *catalog.Catalog, labs map[string]float64) []labMatch {
	var out []labMatch
	done := make(map[string]bool)
	for _, rule := range cat.LabRules() {
		if done[rule.Test] {
			continue
		}
		v, ok := labs[rule.Test]
		if !ok || !rule.Op.Holds(v, rule.Threshold) {
			continue
		}
		done[rule.Test] = true
		out = append(out, labMatch{rule: rule, value: v})
	}
	return out
}

func interpretLabs(cat *catalog.Catalog, labs map[string]float64, unrecognized []string) *domain.LabInterpretation {
	result := &domain.LabInterpretation{
		Findings:        []domain.LabFinding{},
		Recommendations: []string{},
		Unrecognized:    unrecognized,
	}
	for _, m := range matchLabs(cat, labs) {
		finding := domain.LabFinding{
			Test:           m.rule.Label,
			Value:          m.value,
			Interpretation: m.rule.Interpretation,
			Action:         m.rule.Action,
			Critical:       m.rule.Critical,
			Recommendation: m.rule.Recommendation,
		}
		if len(m.rule.Affects.Items) > 0 || len(m.rule.Affects.Classes) > 0 {
			finding.AffectedItems = cat.ItemsMatching(m.rule.Affects)
		}
		result.Findings = append(result.Findings, finding)
		if m.rule.Recommendation != "" {
			result.Recommendations = appendUnique(result.Recommendations, m.rule.Recommendation)
		}
	}
	return result
}
