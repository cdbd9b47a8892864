package domain

import "math"

// DosingTemplate is the catalog-defined base dose and limits for one item.
// Exactly one of a flat or a per-kilogram base dose is set; WeightScaled tells which.
type DosingTemplate struct {
	ItemID            string              `json:"item_id"`
	Name              string              `json:"name"`
	Classes           []string            `json:"classes,omitempty"`
	Unit              string              `json:"unit"`
	Route             string              `json:"route"`
	Frequency         string              `json:"frequency"`
	WeightScaled      bool                `json:"weight_scaled"`
	BaseDose          float64             `json:"base_dose"`
	MinDose           float64             `json:"min_dose"`
	MaxDose           float64             `json:"max_dose"`
	TitrationEligible bool                `json:"titration_eligible"`
	Titration         []TitrationPhase    `json:"titration,omitempty"`
	PregnancySafe     bool                `json:"pregnancy_safe,omitempty"`
	Ceilings          []RegulatoryCeiling `json:"ceilings,omitempty"`
	Administration    Administration      `json:"administration"`
}

// Administration carries the preparation and timing details used for injection guidance.
type Administration struct {
	Timing             string  `json:"timing,omitempty"`
	FoodInteraction    string  `json:"food_interaction,omitempty"`
	CycleProtocol      string  `json:"cycle_protocol,omitempty"`
	ConcentrationPerML float64 `json:"concentration_per_ml,omitempty"`
	InjectionVolumeML  float64 `json:"injection_volume_ml,omitempty"`
	CapsuleStrength    float64 `json:"capsule_strength,omitempty"`
	CapsulesPerDose    int     `json:"capsules_per_dose,omitempty"`
}

// RegulatoryCeiling is an absolute per-period maximum for an item.
type RegulatoryCeiling struct {
	Amount float64 `json:"amount"`
	PerKg  bool    `json:"per_kg,omitempty"`
	Period string  `json:"period"`
}

// TitrationPhase is one step of an escalation ramp.
type TitrationPhase struct {
	Name      string  `json:"name"`
	Duration  string  `json:"duration,omitempty"`
	Dose      float64 `json:"dose"`
	Frequency string  `json:"frequency,omitempty"`
	Note      string  `json:"note,omitempty"`
}

// Scope restricts a factor to particular items or item classes. An empty scope matches every item.
type Scope struct {
	Items   []string `json:"items,omitempty"`
	Classes []string `json:"classes,omitempty"`
}

// AdjustmentFactor maps a patient-attribute bucket to a multiplicative scalar.
type AdjustmentFactor struct {
	Name             string     `json:"name"`
	Kind             FactorKind `json:"kind"`
	Match            string     `json:"match,omitempty"`
	Scalar           float64    `json:"scalar"`
	Monitoring       string     `json:"monitoring,omitempty"`
	Note             string     `json:"note,omitempty"`
	Timing           string     `json:"timing,omitempty"`
	Contraindication bool       `json:"contraindication,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	AppliesTo        Scope      `json:"applies_to,omitempty"`
}

// AgeBand is an inclusive age range in whole years.
type AgeBand struct {
	Name   string
	MinAge int
	MaxAge int
	Factor AdjustmentFactor
}

// Contains reports whether age falls inside the band.
func (b AgeBand) Contains(age int) bool {
	return age >= b.MinAge && age <= b.MaxAge
}

// BMIBand is a half-open body-mass index range [Min, Max).
type BMIBand struct {
	Name   string
	Min    float64
	Max    float64
	Factor AdjustmentFactor
}

// Contains reports whether bmi falls inside the band.
func (b BMIBand) Contains(bmi float64) bool {
	return bmi >= b.Min && bmi < b.Max
}

// HasClass reports whether the item belongs to the named class.
func (t *DosingTemplate) HasClass(class string) bool {
	for _, c := range t.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// BaseFor returns the starting dose for a patient of the given weight.
func (t *DosingTemplate) BaseFor(weightKg float64) float64 {
	if t.WeightScaled {
		return t.BaseDose * weightKg
	}
	return t.BaseDose
}

// Bounds returns the absolute minimum and maximum dose for a patient of the given weight.
func (t *DosingTemplate) Bounds(weightKg float64) (float64, float64) {
	if t.WeightScaled {
		return t.MinDose * weightKg, t.MaxDose * weightKg
	}
	return t.MinDose, t.MaxDose
}

// DoseLimit is the largest dose the template can produce for any accepted patient: the flat
// maximum, or the per-kg maximum at MaxPatientWeightKg.
func (t *DosingTemplate) DoseLimit() float64 {
	if t.WeightScaled {
		return t.MaxDose * MaxPatientWeightKg
	}
	return t.MaxDose
}

// HasLiteralTitration reports whether the template carries a predefined phase schedule.
func (t *DosingTemplate) HasLiteralTitration() bool {
	return len(t.Titration) > 0
}

// Limit returns the ceiling amount for a patient of the given weight.
func (c RegulatoryCeiling) Limit(weightKg float64) float64 {
	if c.PerKg {
		if weightKg <= 0 {
			return math.Inf(1)
		}
		return c.Amount * weightKg
	}
	return c.Amount
}

// Matches reports whether the scope covers the template.
func (s Scope) Matches(t *DosingTemplate) bool {
	if len(s.Items) == 0 && len(s.Classes) == 0 {
		return true
	}
	for _, id := range s.Items {
		if id == t.ItemID {
			return true
		}
	}
	for _, c := range s.Classes {
		if t.HasClass(c) {
			return true
		}
	}
	return false
}

// IsStop reports whether applying the factor forces the dose to zero.
func (f AdjustmentFactor) IsStop() bool {
	return f.Contraindication || f.Scalar == 0
}
