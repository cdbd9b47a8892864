// Package domain contains the core entities of the personalized dosing and safety rule engine:
// patient attributes, dosing templates, adjustment factors and the structured results returned
// to callers.
//
// All outputs are advisory. They support, and never replace, the judgment of a licensed clinician.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sex is the biological sex used for dose adjustment.
type Sex string

const (
	SexMale        Sex = "male"
	SexFemale      Sex = "female"
	SexUnspecified Sex = ""
)

// PregnancyStatus captures the reproductive state that gates contraindications.
type PregnancyStatus string

const (
	PregnancyNone             PregnancyStatus = "none"
	PregnancyPregnant         PregnancyStatus = "pregnant"
	PregnancyTryingToConceive PregnancyStatus = "trying_to_conceive"
	PregnancyBreastfeeding    PregnancyStatus = "breastfeeding"
)

// Severity ranks a drug interaction. Values are ordered from least to most serious.
type Severity string

const (
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
)

// RiskCategory groups risk flags by urgency.
type RiskCategory string

const (
	RiskHigh       RiskCategory = "high"
	RiskMedium     RiskCategory = "medium"
	RiskMonitoring RiskCategory = "monitoring"
)

// FactorKind identifies the stage of the adjustment pipeline a factor belongs to.
type FactorKind string

const (
	FactorAge        FactorKind = "age"
	FactorSex        FactorKind = "sex"
	FactorPregnancy  FactorKind = "pregnancy"
	FactorBMI        FactorKind = "bmi"
	FactorCondition  FactorKind = "condition"
	FactorMedication FactorKind = "medication"
)

// FrequencyContraindicated replaces the dosing frequency on contraindicated results.
const FrequencyContraindicated = "CONTRAINDICATED"

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidSex             = errors.New("invalid sex")
	ErrInvalidPregnancyStatus = errors.New("invalid pregnancy status")
	ErrInvalidSeverity        = errors.New("invalid interaction severity")
	ErrInvalidRiskCategory    = errors.New("invalid risk category")
)

// IsValid reports whether the sex value is recognized.
func (s Sex) IsValid() bool {
	switch s {
	case SexMale, SexFemale, SexUnspecified:
		return true
	default:
		return false
	}
}

func (s Sex) String() string {
	return string(s)
}

// ParseSex accepts common spellings ("M", "Female") and returns the canonical value.
func ParseSex(raw string) (Sex, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "m", "male":
		return SexMale, nil
	case "f", "female":
		return SexFemale, nil
	case "", "unspecified", "unknown", "other":
		return SexUnspecified, nil
	default:
		return SexUnspecified, fmt.Errorf("%w: %q", ErrInvalidSex, raw)
	}
}

// IsValid reports whether the pregnancy status is recognized.
func (p PregnancyStatus) IsValid() bool {
	switch p {
	case PregnancyNone, PregnancyPregnant, PregnancyTryingToConceive, PregnancyBreastfeeding:
		return true
	default:
		return false
	}
}

// Gated reports whether the status triggers the reproductive contraindication.
func (p PregnancyStatus) Gated() bool {
	return p == PregnancyPregnant || p == PregnancyTryingToConceive || p == PregnancyBreastfeeding
}

func (p PregnancyStatus) String() string {
	return string(p)
}

// ParsePregnancyStatus normalizes free-form input. An empty string means none.
func ParsePregnancyStatus(raw string) (PregnancyStatus, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	switch v {
	case "", "none", "no", "not_pregnant":
		return PregnancyNone, nil
	case "pregnant", "yes":
		return PregnancyPregnant, nil
	case "trying_to_conceive", "ttc", "planning_pregnancy":
		return PregnancyTryingToConceive, nil
	case "breastfeeding", "lactating", "nursing":
		return PregnancyBreastfeeding, nil
	default:
		return PregnancyNone, fmt.Errorf("%w: %q", ErrInvalidPregnancyStatus, raw)
	}
}

// IsValid reports whether the severity is one of the four known levels.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// Rank orders severities; higher is more serious. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeverityMajor:
		return 3
	case SeverityContraindicated:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as serious as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func (s Severity) String() string {
	return string(s)
}

// LogFields returns structured logging fields for audit trails.
func (s Severity) LogFields() map[string]any {
	return map[string]any{
		"severity":      string(s),
		"severity_rank": s.Rank(),
		"is_valid":      s.IsValid(),
	}
}

// IsValid reports whether the category is one of high, medium or monitoring.
func (c RiskCategory) IsValid() bool {
	switch c {
	case RiskHigh, RiskMedium, RiskMonitoring:
		return true
	default:
		return false
	}
}

func (c RiskCategory) String() string {
	return string(c)
}

// AuditLabel renders the prefix used in adjustment audit strings ("Age", "Medication", ...).
func (k FactorKind) AuditLabel() string {
	switch k {
	case FactorBMI:
		return "BMI"
	case "":
		return ""
	default:
		return strings.ToUpper(string(k[:1])) + string(k[1:])
	}
}
