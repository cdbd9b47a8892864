package catalog

// The types in this file mirror the on-disk YAML layout of a rule catalog.
// They are decoded strictly and then compiled into an immutable Catalog by build.

type fileCatalog struct {
	Version           string             `yaml:"version"`
	Description       string             `yaml:"description"`
	Vocabulary        fileVocabulary     `yaml:"vocabulary"`
	Items             []fileItem         `yaml:"items"`
	AgeBands          []fileAgeBand      `yaml:"age_bands"`
	SexFactors        []fileSexFactor    `yaml:"sex_factors"`
	BMIBands          []fileBMIBand      `yaml:"bmi_bands"`
	ConditionFactors  []fileFactor       `yaml:"condition_factors"`
	MedicationFactors []fileFactor       `yaml:"medication_factors"`
	Contraindications fileContraRules    `yaml:"contraindications"`
	Interactions      []fileInteraction  `yaml:"interactions"`
	LabRules          []fileLabRule      `yaml:"lab_rules"`
	RiskRules         []fileRiskRule     `yaml:"risk_rules"`
	Injection         fileInjectionGuide `yaml:"injection"`
}

type fileVocabulary struct {
	Conditions  []fileConditionTerm  `yaml:"conditions"`
	Medications []fileMedicationTerm `yaml:"medications"`
	Classes     map[string][]string  `yaml:"classes"`
	Labs        map[string][]string  `yaml:"labs"`
}

type fileConditionTerm struct {
	Tag     string   `yaml:"tag"`
	Aliases []string `yaml:"aliases"`
	Implies []string `yaml:"implies"`
}

type fileMedicationTerm struct {
	ID      string   `yaml:"id"`
	Aliases []string `yaml:"aliases"`
}

type fileItem struct {
	ID                string         `yaml:"id"`
	Name              string         `yaml:"name"`
	Aliases           []string       `yaml:"aliases"`
	Classes           []string       `yaml:"classes"`
	Unit              string         `yaml:"unit"`
	Route             string         `yaml:"route"`
	Frequency         string         `yaml:"frequency"`
	BaseDose          *float64       `yaml:"base_dose"`
	BaseDosePerKg     *float64       `yaml:"base_dose_per_kg"`
	MinDose           *float64       `yaml:"min_dose"`
	MaxDose           *float64       `yaml:"max_dose"`
	MinDosePerKg      *float64       `yaml:"min_dose_per_kg"`
	MaxDosePerKg      *float64       `yaml:"max_dose_per_kg"`
	TitrationEligible bool           `yaml:"titration_eligible"`
	Titration         []filePhase    `yaml:"titration"`
	PregnancySafe     bool           `yaml:"pregnancy_safe"`
	Ceilings          []fileCeiling  `yaml:"ceilings"`
	Administration    fileAdminister `yaml:"administration"`
}

type filePhase struct {
	Name      string  `yaml:"name"`
	Duration  string  `yaml:"duration"`
	Dose      float64 `yaml:"dose"`
	Frequency string  `yaml:"frequency"`
	Note      string  `yaml:"note"`
}

type fileCeiling struct {
	Amount float64 `yaml:"amount"`
	PerKg  bool    `yaml:"per_kg"`
	Period string  `yaml:"period"`
}

type fileAdminister struct {
	Timing             string  `yaml:"timing"`
	FoodInteraction    string  `yaml:"food_interaction"`
	CycleProtocol      string  `yaml:"cycle_protocol"`
	ConcentrationPerML float64 `yaml:"concentration_per_ml"`
	InjectionVolumeML  float64 `yaml:"injection_volume_ml"`
	CapsuleStrength    float64 `yaml:"capsule_strength"`
	CapsulesPerDose    int     `yaml:"capsules_per_dose"`
}

type fileScope struct {
	Items   []string `yaml:"items"`
	Classes []string `yaml:"classes"`
}

type fileAgeBand struct {
	Name             string   `yaml:"name"`
	Min              int      `yaml:"min"`
	Max              int      `yaml:"max"`
	Scalar           *float64 `yaml:"scalar"`
	Note             string   `yaml:"note"`
	Monitoring       string   `yaml:"monitoring"`
	Contraindication bool     `yaml:"contraindication"`
	Reason           string   `yaml:"reason"`
}

type fileSexFactor struct {
	Sex        string   `yaml:"sex"`
	Scalar     *float64 `yaml:"scalar"`
	Note       string   `yaml:"note"`
	Monitoring string   `yaml:"monitoring"`
}

type fileBMIBand struct {
	Name       string   `yaml:"name"`
	Min        float64  `yaml:"min"`
	Max        float64  `yaml:"max"`
	Scalar     *float64 `yaml:"scalar"`
	Note       string   `yaml:"note"`
	Monitoring string   `yaml:"monitoring"`
}

type fileFactor struct {
	Name             string    `yaml:"name"`
	Match            string    `yaml:"match"`
	Scalar           *float64  `yaml:"scalar"`
	Monitoring       string    `yaml:"monitoring"`
	Note             string    `yaml:"note"`
	Timing           string    `yaml:"timing"`
	Contraindication bool      `yaml:"contraindication"`
	Reason           string    `yaml:"reason"`
	AppliesTo        fileScope `yaml:"applies_to"`
}

type fileContraRules struct {
	MalignancyConditions    []string `yaml:"malignancy_conditions"`
	GrowthSignalingClass    string   `yaml:"growth_signaling_class"`
	CardiovascularCondition []string `yaml:"cardiovascular_conditions"`
	VasoactiveClass         string   `yaml:"vasoactive_class"`
}

type fileInteraction struct {
	Owner       string `yaml:"owner"`
	With        string `yaml:"with"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
	Mechanism   string `yaml:"mechanism"`
	Management  string `yaml:"management"`
}

type fileLabRule struct {
	Name           string    `yaml:"name"`
	Test           string    `yaml:"test"`
	Label          string    `yaml:"label"`
	Op             string    `yaml:"op"`
	Threshold      float64   `yaml:"threshold"`
	Interpretation string    `yaml:"interpretation"`
	Action         string    `yaml:"action"`
	Critical       bool      `yaml:"critical"`
	Recommendation string    `yaml:"recommendation"`
	Affects        fileScope `yaml:"affects"`
}

type fileRiskRule struct {
	Name       string    `yaml:"name"`
	Category   string    `yaml:"category"`
	Warning    string    `yaml:"warning"`
	Action     string    `yaml:"action"`
	Monitoring string    `yaml:"monitoring"`
	Affects    fileScope `yaml:"affects"`
}

type fileInjectionGuide struct {
	NeedleSize    string `yaml:"needle_size"`
	InjectionSite string `yaml:"injection_site"`
	Preparation   string `yaml:"preparation"`
}
