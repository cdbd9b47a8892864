package service

import (
	"sort"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

// Age from which the elderly risk flag fires.
const elderlyRiskAge = 75

// riskInput is what a risk predicate may inspect: the normalized patient, the catalog in
// force and the lab rules that fired for it.
type riskInput struct {
	patient  *patientView
	cat      *catalog.Catalog
	labRules map[string]bool
}

// registeredPredicate pairs a predicate with the catalog vocabulary it reads, so catalog
// validation can refuse a catalog in which the predicate could never fire.
type registeredPredicate struct {
	eval  func(in riskInput) bool
	needs catalog.PredicateNeeds
}

// riskPredicates is the closed set of patient-level predicates. The catalog supplies the
// category and text for each name; a catalog may not name a predicate missing here.
var riskPredicates = map[string]registeredPredicate{
	"cancer_active": {
		eval: func(in riskInput) bool {
			return in.patient.hasAnyCondition(in.cat.Contraindications().MalignancyConditions...)
		},
	},
	"pregnancy": {
		eval: func(in riskInput) bool {
			return in.patient.pregnancy.Gated()
		},
	},
	"severe_immunocompromise": {
		eval: func(in riskInput) bool {
			return in.patient.hasAnyCondition("immunocompromised", "organ-transplant")
		},
		needs: catalog.PredicateNeeds{Conditions: []string{"immunocompromised", "organ-transplant"}},
	},
	"cardiovascular_risk": {
		eval: func(in riskInput) bool {
			return in.patient.hasAnyCondition("cardiovascular-disease", "stroke-history")
		},
		needs: catalog.PredicateNeeds{Conditions: []string{"cardiovascular-disease", "stroke-history"}},
	},
	"diabetes_interaction": {
		eval: func(in riskInput) bool {
			return in.patient.hasCondition("diabetes") || in.patient.takes("insulin")
		},
		needs: catalog.PredicateNeeds{Conditions: []string{"diabetes"}, Medications: []string{"insulin"}},
	},
	"elderly_patient": {
		eval: func(in riskInput) bool {
			return in.patient.attrs.Age >= elderlyRiskAge || in.patient.attrs.Frail
		},
	},
	"liver_function": {
		eval: func(in riskInput) bool {
			return in.patient.hasAnyCondition("liver-disease", "hepatitis") ||
				in.labRules["alt_elevated"] || in.labRules["ast_elevated"]
		},
		needs: catalog.PredicateNeeds{
			Conditions: []string{"liver-disease", "hepatitis"},
			LabRules:   []string{"alt_elevated", "ast_elevated"},
		},
	},
	"kidney_function": {
		eval: func(in riskInput) bool {
			return in.patient.hasAnyCondition("kidney-disease", "dialysis") ||
				in.labRules["creatinine_elevated"] || in.labRules["egfr_reduced"] || in.labRules["egfr_severely_reduced"]
		},
		needs: catalog.PredicateNeeds{
			Conditions: []string{"kidney-disease", "dialysis"},
			LabRules:   []string{"creatinine_elevated", "egfr_reduced", "egfr_severely_reduced"},
		},
	},
}

// RiskPredicateNames lists the registered predicate names.
func RiskPredicateNames() []string {
	names := make([]string, 0, len(riskPredicates))
	for name := range riskPredicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RiskPredicates maps every registered predicate to the vocabulary it reads, for
// catalog.RequireRiskPredicates.
func RiskPredicates() map[string]catalog.PredicateNeeds {
	out := make(map[string]catalog.PredicateNeeds, len(riskPredicates))
	for name, p := range riskPredicates {
		out[name] = p.needs
	}
	return out
}

// evaluateRiskFlags runs every catalog risk rule once. Rules are independent: all that hold
// fire, each into its single catalog category.
func evaluateRiskFlags(cat *catalog.Catalog, p *patientView) *domain.RiskFlagSet {
	in := riskInput{patient: p, cat: cat, labRules: make(map[string]bool)}
	for _, m := range matchLabs(cat, p.labs) {
		in.labRules[m.rule.Name] = true
	}

	set := &domain.RiskFlagSet{
		High:       []domain.RiskFlag{},
		Medium:     []domain.RiskFlag{},
		Monitoring: []domain.RiskFlag{},
	}
	for _, rule := range cat.RiskRules() {
		pred, ok := riskPredicates[rule.Name]
		if !ok || !pred.eval(in) {
			continue
		}
		set.Add(domain.RiskFlag{
			Name:          rule.Name,
			Category:      rule.Category,
			Warning:       rule.Warning,
			Action:        rule.Action,
			Monitoring:    rule.Monitoring,
			AffectedItems: cat.ItemsMatching(rule.Affects),
		})
	}
	return set
}
