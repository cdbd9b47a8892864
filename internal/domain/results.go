package domain

import (
	"fmt"
	"strings"
)

// CalculationResult is the structured dosing recommendation for one item.
// When Contraindicated is true, FinalDose is 0 and Frequency is FrequencyContraindicated.
type CalculationResult struct {
	ItemID                  string         `json:"item_id"`
	ItemName                string         `json:"item_name"`
	CatalogVersion          string         `json:"catalog_version"`
	BaseDose                float64        `json:"base_dose"`
	FinalDose               float64        `json:"final_dose"`
	Unit                    string         `json:"unit"`
	Frequency               string         `json:"frequency"`
	Route                   string         `json:"route"`
	Contraindicated         bool           `json:"contraindicated"`
	ContraindicationReasons []string       `json:"contraindication_reasons"`
	AppliedAdjustments      []string       `json:"applied_adjustments"`
	SafetyNotes             []string       `json:"safety_notes"`
	MonitoringRequirements  []string       `json:"monitoring_requirements"`
	Titration               *TitrationPlan `json:"titration,omitempty"`
}

// LogFields returns structured logging fields for audit trails.
func (r *CalculationResult) LogFields() map[string]any {
	return map[string]any{
		"item_id":         r.ItemID,
		"catalog_version": r.CatalogVersion,
		"final_dose":      r.FinalDose,
		"unit":            r.Unit,
		"contraindicated": r.Contraindicated,
		"adjustments":     len(r.AppliedAdjustments),
	}
}

// ContraindicationVerdict is the outcome of the ordered absolute-stop checks for one item.
type ContraindicationVerdict struct {
	Contraindicated bool   `json:"contraindicated"`
	Rule            string `json:"rule,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// TitrationMode tells how a plan was produced.
type TitrationMode string

const (
	TitrationLiteral TitrationMode = "literal"
	TitrationDerived TitrationMode = "derived"
)

// TitrationPlan is an escalation ramp ending at the maintenance dose.
type TitrationPlan struct {
	ItemID string           `json:"item_id"`
	Mode   TitrationMode    `json:"mode"`
	Unit   string           `json:"unit"`
	Phases []TitrationPhase `json:"phases"`
}

// InteractionKind describes which kinds of substances were paired.
type InteractionKind string

const (
	InteractionMedicationMedication InteractionKind = "medication-medication"
	InteractionItemMedication       InteractionKind = "item-medication"
	InteractionItemItem             InteractionKind = "item-item"
)

// InteractionFinding is one matched interaction rule between two supplied substances.
// SubstanceA is always the substance on the owning side of the matched rule.
type InteractionFinding struct {
	SubstanceA  string          `json:"substance_a"`
	SubstanceB  string          `json:"substance_b"`
	RuleOwner   string          `json:"rule_owner"`
	RuleTarget  string          `json:"rule_target"`
	Kind        InteractionKind `json:"kind"`
	Severity    Severity        `json:"severity"`
	Description string          `json:"description,omitempty"`
	Mechanism   string          `json:"mechanism"`
	Management  string          `json:"management"`
}

// InteractionReport lists findings sorted by descending severity.
type InteractionReport struct {
	Findings        []InteractionFinding `json:"findings"`
	Total           int                  `json:"total"`
	HighestSeverity Severity             `json:"highest_severity,omitempty"`
	HasMajor        bool                 `json:"has_major"`
	Summary         string               `json:"summary"`
	Unrecognized    []string             `json:"unrecognized,omitempty"`
}

// CountAtLeast returns how many findings are at least as severe as s.
func (r *InteractionReport) CountAtLeast(s Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity.AtLeast(s) {
			n++
		}
	}
	return n
}

// Summarize fills Total, HighestSeverity, HasMajor and Summary from Findings.
func (r *InteractionReport) Summarize() {
	r.Total = len(r.Findings)
	r.HighestSeverity = ""
	var major, moderate, minor int
	for _, f := range r.Findings {
		if f.Severity.Rank() > r.HighestSeverity.Rank() {
			r.HighestSeverity = f.Severity
		}
		switch f.Severity {
		case SeverityMajor, SeverityContraindicated:
			major++
		case SeverityModerate:
			moderate++
		case SeverityMinor:
			minor++
		}
	}
	r.HasMajor = major > 0
	if r.Total == 0 {
		r.Summary = "No significant drug interactions found."
		return
	}
	var parts []string
	if major > 0 {
		parts = append(parts, fmt.Sprintf("%d major interaction(s)", major))
	}
	if moderate > 0 {
		parts = append(parts, fmt.Sprintf("%d moderate interaction(s)", moderate))
	}
	if minor > 0 {
		parts = append(parts, fmt.Sprintf("%d minor interaction(s)", minor))
	}
	r.Summary = fmt.Sprintf("Found %s. Review all interactions before prescribing.", strings.Join(parts, ", "))
}

// RiskFlag is a patient-level safety signal.
type RiskFlag struct {
	Name          string       `json:"name"`
	Category      RiskCategory `json:"category"`
	Warning       string       `json:"warning"`
	Action        string       `json:"action"`
	Monitoring    string       `json:"monitoring,omitempty"`
	AffectedItems []string     `json:"affected_items"`
}

// RiskFlagSet groups fired flags by category.
type RiskFlagSet struct {
	High       []RiskFlag `json:"high"`
	Medium     []RiskFlag `json:"medium"`
	Monitoring []RiskFlag `json:"monitoring"`
}

// NoRiskRecommendation is returned when no flag fired.
const NoRiskRecommendation = "No significant risk factors identified. Standard monitoring protocols apply."

// Total returns the number of fired flags across all categories.
func (s *RiskFlagSet) Total() int {
	return len(s.High) + len(s.Medium) + len(s.Monitoring)
}

// Add files the flag under its category.
func (s *RiskFlagSet) Add(f RiskFlag) {
	switch f.Category {
	case RiskHigh:
		s.High = append(s.High, f)
	case RiskMedium:
		s.Medium = append(s.Medium, f)
	case RiskMonitoring:
		s.Monitoring = append(s.Monitoring, f)
	}
}

// Recommendations renders the flags as ordered, human-readable lines.
func (s *RiskFlagSet) Recommendations() []string {
	var out []string
	for _, f := range s.High {
		out = append(out, "HIGH PRIORITY: "+f.Warning)
	}
	for _, f := range s.Medium {
		out = append(out, "MONITOR: "+f.Warning)
	}
	for _, f := range s.Monitoring {
		text := f.Monitoring
		if text == "" {
			text = f.Warning
		}
		out = append(out, "MONITOR: "+text)
	}
	if len(out) == 0 {
		out = append(out, NoRiskRecommendation)
	}
	return out
}

// LabFinding is one abnormal lab value.
type LabFinding struct {
	Test           string   `json:"test"`
	Value          float64  `json:"value"`
	Interpretation string   `json:"interpretation"`
	Action         string   `json:"action"`
	Critical       bool     `json:"critical,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	AffectedItems  []string `json:"affected_items,omitempty"`
}

// LabInterpretation lists abnormal findings in catalog rule order.
type LabInterpretation struct {
	Findings        []LabFinding `json:"findings"`
	Recommendations []string     `json:"recommendations"`
	Unrecognized    []string     `json:"unrecognized,omitempty"`
}

// HasCritical reports whether any finding is marked critical.
func (l *LabInterpretation) HasCritical() bool {
	for _, f := range l.Findings {
		if f.Critical {
			return true
		}
	}
	return false
}

// InjectionDetails is the preparation guidance for administering a dose.
type InjectionDetails struct {
	ItemID          string   `json:"item_id"`
	Dose            float64  `json:"dose"`
	Unit            string   `json:"unit"`
	Route           string   `json:"route"`
	VolumeML        *float64 `json:"volume_ml,omitempty"`
	CapsulesPerDose int      `json:"capsules_per_dose,omitempty"`
	CapsuleStrength float64  `json:"capsule_strength,omitempty"`
	NeedleSize      string   `json:"needle_size,omitempty"`
	InjectionSite   string   `json:"injection_site,omitempty"`
	Preparation     string   `json:"preparation,omitempty"`
	Timing          string   `json:"timing"`
	FoodInteraction string   `json:"food_interaction"`
	CycleProtocol   string   `json:"cycle_protocol,omitempty"`
}

// BatchEntry is the outcome for one item of a batch calculation.
type BatchEntry struct {
	ItemID string             `json:"item_id"`
	Result *CalculationResult `json:"result,omitempty"`
	Error  *EngineError       `json:"error,omitempty"`
}

// BatchResult holds per-item outcomes in request order.
type BatchResult struct {
	CatalogVersion  string       `json:"catalog_version"`
	Entries         []BatchEntry `json:"entries"`
	Contraindicated int          `json:"contraindicated"`
	Failed          int          `json:"failed"`
}
