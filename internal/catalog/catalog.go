// Package catalog loads, validates and serves the immutable rule catalog that drives dosing:
// item templates, adjustment factors, contraindication tag sets, the interaction matrix,
// lab rules and risk rules.
//
// A Catalog is only ever produced by Parse (or one of the Load helpers), which rejects any
// malformed content. Once built it is never mutated, so it may be shared between goroutines
// without locking. Hot reload replaces the whole value through a Store.
package catalog

import (
	"sort"

	"github.com/dosing-safety-mcp-server/internal/domain"
)

// ContraindicationRules configures the tag sets behind the ordered absolute-stop checks.
type ContraindicationRules struct {
	MalignancyConditions     []string
	GrowthSignalingClass     string
	CardiovascularConditions []string
	VasoactiveClass          string
}

// InteractionRule is one owner-keyed row of the interaction matrix.
// Owner and With may each name a substance or a class.
type InteractionRule struct {
	Index       int
	Owner       string
	With        string
	Severity    domain.Severity
	Description string
	Mechanism   string
	Management  string
}

// LabOp is the comparison applied between a lab value and a rule threshold.
type LabOp string

const (
	LabAbove   LabOp = "gt"
	LabAtLeast LabOp = "gte"
	LabBelow   LabOp = "lt"
	LabAtMost  LabOp = "lte"
)

// Holds reports whether value satisfies the comparison against threshold.
func (op LabOp) Holds(value, threshold float64) bool {
	switch op {
	case LabAbove:
		return value > threshold
	case LabAtLeast:
		return value >= threshold
	case LabBelow:
		return value < threshold
	case LabAtMost:
		return value <= threshold
	default:
		return false
	}
}

// LabRule flags an abnormal analyte value. Rules for the same test are tried in catalog
// order and the first that holds wins.
type LabRule struct {
	Name           string
	Test           string
	Label          string
	Op             LabOp
	Threshold      float64
	Interpretation string
	Action         string
	Critical       bool
	Recommendation string
	Affects        domain.Scope
}

// RiskRule carries the reviewable text of a named patient-level risk predicate.
// The predicate itself is code; the catalog only names it and assigns its category.
type RiskRule struct {
	Name       string
	Category   domain.RiskCategory
	Warning    string
	Action     string
	Monitoring string
	Affects    domain.Scope
}

// InjectionGuide holds the generic administration text shared by injectable items.
type InjectionGuide struct {
	NeedleSize    string
	InjectionSite string
	Preparation   string
}

// Catalog is a validated, immutable rule catalog.
type Catalog struct {
	version     string
	description string
	source      string
	digest      string

	templates map[string]*domain.DosingTemplate
	itemOrder []string

	vocab *vocabulary

	ageBands          []domain.AgeBand
	sexFactors        map[domain.Sex]domain.AdjustmentFactor
	bmiBands          []domain.BMIBand
	conditionFactors  []domain.AdjustmentFactor
	medicationFactors []domain.AdjustmentFactor

	contra ContraindicationRules

	interactions     []InteractionRule
	interactionIndex map[string]map[string][]int

	labRules  []LabRule
	riskRules []RiskRule
	injection InjectionGuide
}

// Version is the human-assigned catalog version string.
func (c *Catalog) Version() string { return c.version }

// Description is the free-text catalog description.
func (c *Catalog) Description() string { return c.description }

// Source names where the catalog was loaded from.
func (c *Catalog) Source() string { return c.source }

// Digest is a content hash of the raw catalog bytes, used to key caches.
func (c *Catalog) Digest() string { return c.digest }

// Items returns every item id in catalog order.
func (c *Catalog) Items() []string {
	return append([]string(nil), c.itemOrder...)
}

// ResolveItem maps a caller-supplied item name or alias to its canonical id.
func (c *Catalog) ResolveItem(raw string) (string, bool) {
	id := Canonical(raw)
	if _, ok := c.templates[id]; ok {
		return id, true
	}
	if target, ok := c.vocab.itemAliases[id]; ok {
		return target, true
	}
	return id, false
}

// Template returns a copy of the dosing template for a canonical item id.
func (c *Catalog) Template(id string) (*domain.DosingTemplate, bool) {
	t, ok := c.templates[id]
	if !ok {
		return nil, false
	}
	return cloneTemplate(t), true
}

// Lookup resolves raw to an item and returns its template, or a typed unknown-item error.
func (c *Catalog) Lookup(raw string) (*domain.DosingTemplate, error) {
	id, ok := c.ResolveItem(raw)
	if !ok {
		return nil, &domain.UnknownItemError{ItemID: raw, Available: c.Items()}
	}
	t, _ := c.Template(id)
	return t, nil
}

// ItemsMatching returns the ids of all items covered by the scope, in catalog order.
func (c *Catalog) ItemsMatching(s domain.Scope) []string {
	out := []string{}
	for _, id := range c.itemOrder {
		if s.Matches(c.templates[id]) {
			out = append(out, id)
		}
	}
	return out
}

// AgeBands returns the age bands in catalog order.
func (c *Catalog) AgeBands() []domain.AgeBand {
	return append([]domain.AgeBand(nil), c.ageBands...)
}

// SexFactor returns the scalar for a sex, if the catalog defines one.
func (c *Catalog) SexFactor(s domain.Sex) (domain.AdjustmentFactor, bool) {
	f, ok := c.sexFactors[s]
	return f, ok
}

// BMIBands returns the body-mass bands in catalog order.
func (c *Catalog) BMIBands() []domain.BMIBand {
	return append([]domain.BMIBand(nil), c.bmiBands...)
}

// ConditionFactors returns condition factors in catalog order.
func (c *Catalog) ConditionFactors() []domain.AdjustmentFactor {
	return cloneFactors(c.conditionFactors)
}

// MedicationFactors returns medication factors in catalog order.
func (c *Catalog) MedicationFactors() []domain.AdjustmentFactor {
	return cloneFactors(c.medicationFactors)
}

// Contraindications returns the tag sets used by the absolute-stop checks.
func (c *Catalog) Contraindications() ContraindicationRules {
	r := c.contra
	r.MalignancyConditions = append([]string(nil), r.MalignancyConditions...)
	r.CardiovascularConditions = append([]string(nil), r.CardiovascularConditions...)
	return r
}

// InteractionRules returns every matrix row in catalog order.
func (c *Catalog) InteractionRules() []InteractionRule {
	return append([]InteractionRule(nil), c.interactions...)
}

// InteractionsBetween returns the rules owned by owner that target with.
// Both arguments are expanded keys (substance ids or class names).
func (c *Catalog) InteractionsBetween(owner, with string) []InteractionRule {
	idx := c.interactionIndex[owner][with]
	if len(idx) == 0 {
		return nil
	}
	out := make([]InteractionRule, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.interactions[i])
	}
	return out
}

// LabRules returns lab rules in catalog order.
func (c *Catalog) LabRules() []LabRule {
	out := make([]LabRule, len(c.labRules))
	copy(out, c.labRules)
	return out
}

// RiskRules returns risk rules in catalog order.
func (c *Catalog) RiskRules() []RiskRule {
	out := make([]RiskRule, len(c.riskRules))
	copy(out, c.riskRules)
	return out
}

// Injection returns the generic injection guidance.
func (c *Catalog) Injection() InjectionGuide { return c.injection }

// NormalizeConditions maps free-text condition tags to canonical tags, including implied tags.
// The result is sorted and free of duplicates. Unrecognized tags are kept in canonical form.
func (c *Catalog) NormalizeConditions(raw []string) []string {
	set := make(map[string]struct{})
	for _, r := range raw {
		tag := Canonical(r)
		if tag == "" {
			continue
		}
		if target, ok := c.vocab.conditionAliases[tag]; ok {
			tag = target
		}
		set[tag] = struct{}{}
		for _, implied := range c.vocab.conditionImplies[tag] {
			set[implied] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// KnownCondition reports whether tag is a canonical condition tag.
func (c *Catalog) KnownCondition(tag string) bool {
	_, ok := c.vocab.conditions[tag]
	return ok
}

// ResolveSubstance maps a free-text medication or item name to its canonical substance id.
// The boolean is false when the name is not part of the controlled vocabulary.
func (c *Catalog) ResolveSubstance(raw string) (string, bool) {
	id := Canonical(raw)
	if id == "" {
		return "", false
	}
	if _, ok := c.templates[id]; ok {
		return id, true
	}
	if target, ok := c.vocab.itemAliases[id]; ok {
		return target, true
	}
	if target, ok := c.vocab.substanceAliases[id]; ok {
		return target, true
	}
	if _, ok := c.vocab.substances[id]; ok {
		return id, true
	}
	if _, ok := c.vocab.classMembers[id]; ok {
		return id, true
	}
	return id, false
}

// Expand returns the substance id followed by every class it belongs to.
func (c *Catalog) Expand(id string) []string {
	out := []string{id}
	out = append(out, c.vocab.memberClasses[id]...)
	return out
}

// IsItem reports whether id is a dosing item rather than a medication.
func (c *Catalog) IsItem(id string) bool {
	_, ok := c.templates[id]
	return ok
}

// ResolveLab maps a lab name or alias to its canonical test key.
func (c *Catalog) ResolveLab(raw string) (string, bool) {
	key := Canonical(raw)
	if target, ok := c.vocab.labAliases[key]; ok {
		return target, true
	}
	if _, ok := c.vocab.labs[key]; ok {
		return key, true
	}
	return key, false
}

func cloneTemplate(t *domain.DosingTemplate) *domain.DosingTemplate {
	cp := *t
	cp.Classes = append([]string(nil), t.Classes...)
	cp.Titration = append([]domain.TitrationPhase(nil), t.Titration...)
	cp.Ceilings = append([]domain.RegulatoryCeiling(nil), t.Ceilings...)
	return &cp
}

func cloneFactors(in []domain.AdjustmentFactor) []domain.AdjustmentFactor {
	out := make([]domain.AdjustmentFactor, len(in))
	for i, f := range in {
		f.AppliesTo = domain.Scope{
			Items:   append([]string(nil), f.AppliesTo.Items...),
			Classes: append([]string(nil), f.AppliesTo.Classes...),
		}
		out[i] = f
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
