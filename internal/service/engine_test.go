package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

const serviceCatalog = `
version: "svc-1"
vocabulary:
  conditions:
    - tag: diabetes
    - tag: kidney-disease
    - tag: active-cancer
    - tag: severe-cardiovascular-disease
  medications:
    - id: warfarin
    - id: aspirin
    - id: blocker
  classes:
    nsaids: [aspirin]
items:
  - id: flat
    name: Flat Item
    unit: mg
    route: oral
    frequency: daily
    base_dose: 100
    min_dose: 50
    max_dose: 200
    titration_eligible: true
  - id: scaled
    name: Scaled Item
    unit: mcg
    route: subcutaneous
    frequency: daily
    base_dose_per_kg: 1.0
    min_dose_per_kg: 0.5
    max_dose_per_kg: 2.0
    titration_eligible: true
    ceilings:
      - {amount: 120, period: daily}
  - id: growth
    name: Growth Item
    classes: [growth-signaling]
    unit: mg
    route: subcutaneous
    frequency: daily
    base_dose: 10
    min_dose: 5
    max_dose: 20
  - id: pressor
    name: Pressor Item
    classes: [vasoactive]
    unit: mg
    route: subcutaneous
    frequency: as needed
    base_dose: 1.5
    min_dose: 0.5
    max_dose: 2.0
age_bands:
  - {name: adult, min: 18, max: 64, scalar: 1.0}
  - {name: senior, min: 65, max: 130, scalar: 0.6}
condition_factors:
  - {match: diabetes, scalar: 0.9, monitoring: Glucose monitoring}
  - {match: kidney-disease, scalar: 0.7, monitoring: Renal monitoring}
medication_factors:
  - match: blocker
    contraindication: true
    reason: Blocked by blocker
    applies_to:
      items: [flat]
contraindications:
  malignancy_conditions: [active-cancer]
  growth_signaling_class: growth-signaling
  cardiovascular_conditions: [severe-cardiovascular-disease]
  vasoactive_class: vasoactive
interactions:
  - owner: warfarin
    with: aspirin
    severity: major
    mechanism: Dual anticoagulant and antiplatelet effects
    management: Avoid combination or use with extreme caution and frequent monitoring
  - owner: growth
    with: nsaids
    severity: minor
    mechanism: Gastroprotective
    management: Monitor for GI symptoms
`

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newEmbeddedEngine(t *testing.T, opts ...EngineOption) *DosingEngine {
	t.Helper()
	cat, err := catalog.LoadEmbedded(catalog.RequireRiskPredicates(RiskPredicates()))
	require.NoError(t, err)
	return NewDosingEngine(StaticCatalog(cat), quietLogger(), opts...)
}

func newScenarioEngine(t *testing.T, opts ...EngineOption) *DosingEngine {
	t.Helper()
	cat, err := catalog.Parse([]byte(serviceCatalog), "test")
	require.NoError(t, err)
	return NewDosingEngine(StaticCatalog(cat), quietLogger(), opts...)
}

func TestCalculateDose_ElderlyAgeBand(t *testing.T) {
	engine := newEmbeddedEngine(t)

	res, err := engine.CalculateDose(context.Background(), "bpc-157", domain.PatientAttributes{
		Age:      76,
		Sex:      domain.SexMale,
		WeightKg: 70,
	})
	require.NoError(t, err)

	assert.False(t, res.Contraindicated)
	assert.Equal(t, 250.0, res.BaseDose)
	assert.Equal(t, 150.0, res.FinalDose)
	assert.Equal(t, []string{"Age adjustment: 0.6×"}, res.AppliedAdjustments)
	assert.Contains(t, res.SafetyNotes, "Elderly patient - start with reduced dose and monitor closely")
	assert.Equal(t, "twice daily", res.Frequency)

	require.NotNil(t, res.Titration)
	assert.Equal(t, domain.TitrationDerived, res.Titration.Mode)
	require.Len(t, res.Titration.Phases, 3)
	assert.Equal(t, 75.0, res.Titration.Phases[0].Dose)
	assert.Equal(t, 112.5, res.Titration.Phases[1].Dose)
	assert.Equal(t, 150.0, res.Titration.Phases[2].Dose)
}

func TestCalculateDose_ActiveCancerGrowthSignaling(t *testing.T) {
	engine := newEmbeddedEngine(t)

	for _, condition := range []string{"active-cancer", "Currently in treatment", "in remission < 2 years"} {
		t.Run(condition, func(t *testing.T) {
			res, err := engine.CalculateDose(context.Background(), "bpc-157", domain.PatientAttributes{
				Age:        50,
				WeightKg:   80,
				Conditions: []string{condition},
			})
			require.NoError(t, err)

			assert.True(t, res.Contraindicated)
			assert.Equal(t, 0.0, res.FinalDose)
			assert.Equal(t, domain.FrequencyContraindicated, res.Frequency)
			require.Len(t, res.ContraindicationReasons, 1)
			assert.Contains(t, res.ContraindicationReasons[0], "contraindicated with active cancer")
			assert.Empty(t, res.AppliedAdjustments)
			assert.Equal(t, []string{"Do not administer"}, res.MonitoringRequirements)
			assert.Nil(t, res.Titration)
		})
	}
}

func TestCalculateDose_ActiveCancerOtherClass(t *testing.T) {
	engine := newEmbeddedEngine(t)

	res, err := engine.CalculateDose(context.Background(), "semaglutide", domain.PatientAttributes{
		Age:        50,
		Conditions: []string{"active-cancer"},
	})
	require.NoError(t, err)
	assert.False(t, res.Contraindicated)
}

func TestCalculateDose_SevereCardiovascularVasoactive(t *testing.T) {
	engine := newEmbeddedEngine(t)

	res, err := engine.CalculateDose(context.Background(), "pt-141", domain.PatientAttributes{
		Age:        45,
		Conditions: []string{"uncontrolled hypertension"},
	})
	require.NoError(t, err)

	assert.True(t, res.Contraindicated)
	assert.Equal(t, "PT-141 affects blood pressure and is contraindicated with severe cardiovascular disease", res.ContraindicationReasons[0])
}

func TestCalculateDose_NoMatchingFactors(t *testing.T) {
	engine := newScenarioEngine(t)

	res, err := engine.CalculateDose(context.Background(), "flat", domain.PatientAttributes{Age: 30})
	require.NoError(t, err)

	assert.Equal(t, 100.0, res.FinalDose)
	assert.NotNil(t, res.AppliedAdjustments)
	assert.Empty(t, res.AppliedAdjustments)
	assert.Empty(t, res.ContraindicationReasons)
	assert.Equal(t, "svc-1", res.CatalogVersion)
}

func TestCalculateDose_PregnancyAlwaysContraindicated(t *testing.T) {
	engine := newEmbeddedEngine(t)
	cat := engine.Catalog()

	statuses := []domain.PregnancyStatus{
		domain.PregnancyPregnant,
		domain.PregnancyTryingToConceive,
		domain.PregnancyBreastfeeding,
	}
	for _, item := range cat.Items() {
		for _, status := range statuses {
			res, err := engine.CalculateDose(context.Background(), item, domain.PatientAttributes{
				Age:        30,
				Sex:        domain.SexFemale,
				Pregnancy:  status,
				WeightKg:   65,
				HeightCm:   165,
				Conditions: []string{"diabetes"},
			})
			require.NoError(t, err, item)
			assert.True(t, res.Contraindicated, "%s / %s", item, status)
			assert.Equal(t, 0.0, res.FinalDose, "%s / %s", item, status)
			assert.Equal(t, domain.FrequencyContraindicated, res.Frequency)
		}
	}
}

func TestCalculateDose_CumulativeConditionFactors(t *testing.T) {
	engine := newScenarioEngine(t)

	res, err := engine.CalculateDose(context.Background(), "flat", domain.PatientAttributes{
		Age:        30,
		Conditions: []string{"diabetes", "kidney-disease"},
	})
	require.NoError(t, err)

	assert.InDelta(t, 100*0.9*0.7, res.FinalDose, 1e-9)
	assert.Equal(t, []string{"Condition adjustment: 0.9×", "Condition adjustment: 0.7×"}, res.AppliedAdjustments)
	assert.Equal(t, []string{"Glucose monitoring", "Renal monitoring"}, res.MonitoringRequirements)
}

func TestCalculateDose_StopFactorKeepsAuditTrail(t *testing.T) {
	engine := newScenarioEngine(t)

	res, err := engine.CalculateDose(context.Background(), "flat", domain.PatientAttributes{
		Age:         70,
		Conditions:  []string{"diabetes"},
		Medications: []string{"Blocker"},
	})
	require.NoError(t, err)

	assert.True(t, res.Contraindicated)
	assert.Equal(t, 0.0, res.FinalDose)
	assert.Equal(t, []string{"Blocked by blocker"}, res.ContraindicationReasons)
	assert.Equal(t, []string{
		"Age adjustment: 0.6×",
		"Condition adjustment: 0.9×",
		"Medication adjustment: contraindicated (blocker)",
	}, res.AppliedAdjustments)
	assert.Equal(t, "Do not administer", res.MonitoringRequirements[0])
	assert.Contains(t, res.MonitoringRequirements, "Glucose monitoring")
}

func TestCalculateDose_ScopedStopFactorIgnoredForOtherItems(t *testing.T) {
	engine := newScenarioEngine(t)

	res, err := engine.CalculateDose(context.Background(), "growth", domain.PatientAttributes{
		Age:         30,
		Medications: []string{"blocker"},
	})
	require.NoError(t, err)
	assert.False(t, res.Contraindicated)
	assert.Equal(t, 10.0, res.FinalDose)
}

func TestCalculateDose_Clamp(t *testing.T) {
	engine := newScenarioEngine(t)

	tests := []struct {
		name     string
		item     string
		patient  domain.PatientAttributes
		want     float64
		wantNote string
	}{
		{
			name:     "raised to minimum",
			item:     "flat",
			patient:  domain.PatientAttributes{Age: 70, Conditions: []string{"diabetes", "kidney-disease"}},
			want:     50,
			wantNote: "Dose raised to minimum of 50 mg",
		},
		{
			name:     "regulatory ceiling",
			item:     "scaled",
			patient:  domain.PatientAttributes{Age: 30, WeightKg: 200},
			want:     120,
			wantNote: "Dose capped at daily ceiling of 120 mcg",
		},
		{
			name:    "weight-scaled within bounds",
			item:    "scaled",
			patient: domain.PatientAttributes{Age: 30, WeightKg: 80},
			want:    80,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.CalculateDose(context.Background(), tt.item, tt.patient)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.FinalDose)
			if tt.wantNote != "" {
				assert.Contains(t, res.SafetyNotes, tt.wantNote)
			}
		})
	}
}

func TestCalculateDose_TinyDoseRaisedToMinimum(t *testing.T) {
	raw := strings.NewReplacer(
		"    - tag: diabetes\n", "    - tag: diabetes\n    - tag: trace-sensitivity\n",
		"condition_factors:\n", "condition_factors:\n  - {match: trace-sensitivity, scalar: 0.0004}\n",
		"\nitems:\n", "\nitems:\n  - {id: micro, name: Micro Item, unit: mg, route: oral, frequency: daily, base_dose: 1, min_dose: 0.5, max_dose: 2}\n",
	).Replace(serviceCatalog)
	cat, err := catalog.Parse([]byte(raw), "test")
	require.NoError(t, err)
	engine := NewDosingEngine(StaticCatalog(cat), quietLogger())

	res, err := engine.CalculateDose(context.Background(), "micro", domain.PatientAttributes{
		Age:        30,
		Conditions: []string{"trace-sensitivity"},
	})
	require.NoError(t, err)
	assert.False(t, res.Contraindicated)
	assert.Equal(t, 0.5, res.FinalDose)
	assert.Contains(t, res.SafetyNotes, "Dose raised to minimum of 0.5 mg")
}

func TestCalculateDose_CeilingBelowWeightScaledMinimum(t *testing.T) {
	engine := newScenarioEngine(t)

	// 300 kg puts the per-kg minimum at 150 mcg, above the 120 mcg daily ceiling.
	res, err := engine.CalculateDose(context.Background(), "scaled", domain.PatientAttributes{Age: 30, WeightKg: 300})
	require.NoError(t, err)
	assert.Equal(t, 120.0, res.FinalDose)
	assert.Contains(t, res.SafetyNotes, "Dose capped at daily ceiling of 120 mcg")
	assert.Contains(t, res.SafetyNotes, "Minimum of 150 mcg exceeds the regulatory ceiling; dose held at 120 mcg")
	assert.NotContains(t, res.SafetyNotes, "Dose raised to minimum of 150 mcg")
}

func TestCalculateDose_FinalDoseWithinBounds(t *testing.T) {
	engine := newEmbeddedEngine(t)
	cat := engine.Catalog()

	conditionSets := [][]string{
		nil,
		{"diabetes", "kidney-disease", "liver-disease"},
		{"cardiovascular-disease", "autoimmune"},
	}
	medicationSets := [][]string{
		nil,
		{"humalog", "prednisone", "zoloft"},
	}

	for _, item := range cat.Items() {
		tmpl, ok := cat.Template(item)
		require.True(t, ok)
		for _, age := range []int{12, 30, 70, 90} {
			for _, weight := range []float64{45, 80, 160} {
				for _, conditions := range conditionSets {
					for _, meds := range medicationSets {
						res, err := engine.CalculateDose(context.Background(), item, domain.PatientAttributes{
							Age:         age,
							Sex:         domain.SexFemale,
							WeightKg:    weight,
							HeightCm:    170,
							Conditions:  conditions,
							Medications: meds,
						})
						require.NoError(t, err)
						if res.Contraindicated {
							assert.Equal(t, 0.0, res.FinalDose)
							continue
						}
						lo, hi := tmpl.Bounds(weight)
						assert.GreaterOrEqual(t, res.FinalDose, lo-1e-9, "%s age=%d weight=%v", item, age, weight)
						assert.LessOrEqual(t, res.FinalDose, hi+1e-9, "%s age=%d weight=%v", item, age, weight)
					}
				}
			}
		}
	}
}

func TestCalculateDose_ItemSpecificMedicationFactors(t *testing.T) {
	engine := newEmbeddedEngine(t)

	t.Run("cjc-1295 with insulin applies both factors", func(t *testing.T) {
		res, err := engine.CalculateDose(context.Background(), "cjc-1295", domain.PatientAttributes{
			Age:         30,
			Sex:         domain.SexMale,
			WeightKg:    70,
			Medications: []string{"Humalog"},
		})
		require.NoError(t, err)
		assert.InDelta(t, 50.4, res.FinalDose, 1e-9)
		assert.Equal(t, []string{"Medication adjustment: 0.9×", "Medication adjustment: 0.8×"}, res.AppliedAdjustments)
	})

	t.Run("pt-141 with sildenafil is contraindicated", func(t *testing.T) {
		res, err := engine.CalculateDose(context.Background(), "pt-141", domain.PatientAttributes{
			Age:         40,
			Sex:         domain.SexMale,
			Medications: []string{"viagra"},
		})
		require.NoError(t, err)
		assert.True(t, res.Contraindicated)
		assert.Equal(t, []string{"Contraindicated with sildenafil"}, res.ContraindicationReasons)
		assert.Contains(t, res.SafetyNotes, "Timing: Separate by minimum 24 hours")
	})

	t.Run("bpc-157 with prednisone adds timing only", func(t *testing.T) {
		res, err := engine.CalculateDose(context.Background(), "bpc-157", domain.PatientAttributes{
			Age:         30,
			Sex:         domain.SexMale,
			Medications: []string{"prednisone"},
		})
		require.NoError(t, err)
		assert.Equal(t, 200.0, res.FinalDose)
		assert.Equal(t, []string{"Medication adjustment: 0.8×"}, res.AppliedAdjustments)
		assert.Contains(t, res.SafetyNotes, "Timing: Separate administration by 4 hours")
		assert.Contains(t, res.SafetyNotes, "Timing: Separate administration by 4+ hours")
	})
}

func TestCalculateDose_UnderTwelveIsContraindicated(t *testing.T) {
	engine := newEmbeddedEngine(t)

	res, err := engine.CalculateDose(context.Background(), "ghk-cu", domain.PatientAttributes{Age: 10})
	require.NoError(t, err)
	assert.True(t, res.Contraindicated)
	assert.Equal(t, []string{"Not established for patients under 12 years"}, res.ContraindicationReasons)
}

func TestCalculateDose_InvalidInput(t *testing.T) {
	engine := newScenarioEngine(t)

	tests := []struct {
		name      string
		item      string
		patient   domain.PatientAttributes
		wantField string
		unknown   bool
	}{
		{name: "unknown item", item: "nope", patient: domain.PatientAttributes{Age: 30}, unknown: true},
		{name: "negative age", item: "flat", patient: domain.PatientAttributes{Age: -1}, wantField: "age"},
		{name: "negative weight", item: "flat", patient: domain.PatientAttributes{Age: 30, WeightKg: -5}, wantField: "weight_kg"},
		{name: "implausible weight", item: "scaled", patient: domain.PatientAttributes{Age: 30, WeightKg: 700}, wantField: "weight_kg"},
		{name: "missing weight for scaled item", item: "scaled", patient: domain.PatientAttributes{Age: 30}, wantField: "weight_kg"},
		{name: "invalid sex", item: "flat", patient: domain.PatientAttributes{Age: 30, Sex: "x"}, wantField: "sex"},
		{name: "invalid pregnancy status", item: "flat", patient: domain.PatientAttributes{Age: 30, Pregnancy: "maybe"}, wantField: "pregnancy_status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := engine.CalculateDose(context.Background(), tt.item, tt.patient)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, domain.IsInputError(err))

			if tt.unknown {
				var unknown *domain.UnknownItemError
				assert.True(t, errors.As(err, &unknown))
				return
			}
			var vErr *domain.ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tt.wantField, vErr.Field)
		})
	}
}

func TestCalculateDose_Idempotent(t *testing.T) {
	engine := newEmbeddedEngine(t)
	patient := domain.PatientAttributes{
		Age:         68,
		Sex:         domain.SexFemale,
		WeightKg:    92,
		HeightCm:    160,
		Conditions:  []string{"diabetes", "Heart Disease"},
		Medications: []string{"humalog", "warfarin"},
	}

	first, err := engine.CalculateDose(context.Background(), "cjc-1295", patient)
	require.NoError(t, err)
	second, err := engine.CalculateDose(context.Background(), "cjc-1295", patient)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCalculateDose_RecoversInternalFailure(t *testing.T) {
	engine := NewDosingEngine(StaticCatalog(nil), quietLogger())

	res, err := engine.CalculateDose(context.Background(), "flat", domain.PatientAttributes{Age: 30})
	require.Error(t, err)
	assert.Nil(t, res)

	var internal *domain.InternalError
	require.True(t, errors.As(err, &internal))
	assert.Equal(t, "calculate_dose", internal.Op)
	assert.Equal(t, domain.ErrInternalServer, domain.ErrorCodeFor(err))
	assert.False(t, domain.IsInputError(err))
}

func TestEvaluateContraindications(t *testing.T) {
	engine := newScenarioEngine(t)

	verdict, err := engine.EvaluateContraindications(context.Background(), "growth", domain.PatientAttributes{
		Age:        40,
		Pregnancy:  domain.PregnancyPregnant,
		Conditions: []string{"active-cancer"},
	})
	require.NoError(t, err)
	assert.True(t, verdict.Contraindicated)
	assert.Equal(t, "pregnancy", verdict.Rule, "pregnancy is checked first")

	verdict, err = engine.EvaluateContraindications(context.Background(), "flat", domain.PatientAttributes{Age: 40})
	require.NoError(t, err)
	assert.False(t, verdict.Contraindicated)
	assert.Empty(t, verdict.Reason)

	_, err = engine.EvaluateContraindications(context.Background(), "nope", domain.PatientAttributes{Age: 40})
	assert.Error(t, err)
}

func TestCalculateBatch(t *testing.T) {
	engine := newEmbeddedEngine(t)

	batch, err := engine.CalculateBatch(context.Background(), []string{"bpc-157", "unobtainium", "pt-141"}, domain.PatientAttributes{
		Age:        50,
		Sex:        domain.SexMale,
		Conditions: []string{"uncontrolled hypertension"},
	})
	require.NoError(t, err)

	require.Len(t, batch.Entries, 3)
	assert.Equal(t, 1, batch.Contraindicated)
	assert.Equal(t, 1, batch.Failed)

	assert.Equal(t, 225.0, batch.Entries[0].Result.FinalDose)
	require.NotNil(t, batch.Entries[1].Error)
	assert.Equal(t, domain.ErrUnknownItem, batch.Entries[1].Error.Code)
	assert.True(t, batch.Entries[2].Result.Contraindicated)

	_, err = engine.CalculateBatch(context.Background(), nil, domain.PatientAttributes{Age: 50})
	assert.Error(t, err)
}
