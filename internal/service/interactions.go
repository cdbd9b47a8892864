package service

import (
	"sort"
	"strings"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

// checkInteractions cross-references every unordered pair of the combined substance list.
// The matrix is keyed by an owner substance, so each pair is looked up in both directions,
// and each side is expanded to its classes before matching.
func checkInteractions(cat *catalog.Catalog, medications, items []string) *domain.InteractionReport {
	report := &domain.InteractionReport{Findings: []domain.InteractionFinding{}}

	var substances []string
	seen := make(map[string]bool)
	for _, raw := range append(append([]string(nil), medications...), items...) {
		id, known := cat.ResolveSubstance(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if !known {
			report.Unrecognized = append(report.Unrecognized, strings.TrimSpace(raw))
			continue
		}
		substances = append(substances, id)
	}

	for i := 0; i < len(substances); i++ {
		for j := i + 1; j < len(substances); j++ {
			report.Findings = append(report.Findings, pairFindings(cat, substances[i], substances[j])...)
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].Severity.Rank() > report.Findings[j].Severity.Rank()
	})
	report.Summarize()
	return report
}

// pairFindings returns the rules matching a and b in either orientation, ordered by rule
// position in the catalog. A rule matched both ways is reported once.
func pairFindings(cat *catalog.Catalog, a, b string) []domain.InteractionFinding {
	kind := interactionKind(cat.IsItem(a), cat.IsItem(b))
	found := make(map[int]*domain.InteractionFinding)

	match := func(owner, other string) {
		for _, ownerKey := range cat.Expand(owner) {
			for _, otherKey := range cat.Expand(other) {
				for _, rule := range cat.InteractionsBetween(ownerKey, otherKey) {
					if existing, dup := found[rule.Index]; dup {
						if owner < existing.SubstanceA {
							existing.SubstanceA, existing.SubstanceB = owner, other
						}
						continue
					}
					found[rule.Index] = &domain.InteractionFinding{
						SubstanceA:  owner,
						SubstanceB:  other,
						RuleOwner:   rule.Owner,
						RuleTarget:  rule.With,
						Kind:        kind,
						Severity:    rule.Severity,
						Description: rule.Description,
						Mechanism:   rule.Mechanism,
						Management:  rule.Management,
					}
				}
			}
		}
	}
	match(a, b)
	match(b, a)

	indexes := make([]int, 0, len(found))
	for idx := range found {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]domain.InteractionFinding, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, *found[idx])
	}
	return out
}

func interactionKind(aIsItem, bIsItem bool) domain.InteractionKind {
	switch {
	case aIsItem && bIsItem:
		return domain.InteractionItemItem
	case aIsItem || bIsItem:
		return domain.InteractionItemMedication
	default:
		return domain.InteractionMedicationMedication
	}
}
