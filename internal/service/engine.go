package service

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
)

// CatalogSource supplies the rule catalog in force. *catalog.Store satisfies it.
type CatalogSource interface {
	Current() *catalog.Catalog
}

type staticSource struct {
	cat *catalog.Catalog
}

func (s staticSource) Current() *catalog.Catalog { return s.cat }

// StaticCatalog adapts a fixed catalog to a CatalogSource.
func StaticCatalog(cat *catalog.Catalog) CatalogSource {
	return staticSource{cat: cat}
}

// EngineOption configures a DosingEngine.
type EngineOption func(*DosingEngine)

// WithTitrationPhaseClamp subjects every derived titration phase to the safety clamp.
func WithTitrationPhaseClamp(enabled bool) EngineOption {
	return func(e *DosingEngine) {
		e.clampPhases = enabled
	}
}

// DosingEngine computes personalized doses, contraindication verdicts, interaction reports
// and risk flags from a rule catalog.
//
// The engine holds no per-call state. Every operation takes one catalog snapshot at entry
// and reads only from it, so a concurrent reload never mixes two catalog versions in one
// result.
type DosingEngine struct {
	source      CatalogSource
	logger      *logrus.Logger
	clampPhases bool
}

// NewDosingEngine creates an engine reading from source.
func NewDosingEngine(source CatalogSource, logger *logrus.Logger, opts ...EngineOption) *DosingEngine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &DosingEngine{source: source, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog currently in force.
func (e *DosingEngine) Catalog() *catalog.Catalog {
	return e.source.Current()
}

// CalculateDose produces the personalized recommendation for one item.
// Contraindications are reported in the result, not as errors; an error means the input
// was invalid or the engine failed.
func (e *DosingEngine) CalculateDose(ctx context.Context, itemID string, patient domain.PatientAttributes) (*domain.CalculationResult, error) {
	return e.CalculateDoseWith(ctx, e.source.Current(), itemID, patient)
}

// CalculateDoseWith calculates against a catalog snapshot the caller already holds, so a
// cache key derived from that snapshot describes exactly the rules behind the result.
func (e *DosingEngine) CalculateDoseWith(ctx context.Context, cat *catalog.Catalog, itemID string, patient domain.PatientAttributes) (res *domain.CalculationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("calculate_dose", itemID, r)
		}
	}()

	if cat == nil {
		cat = e.source.Current()
	}
	p, err := normalizePatient(cat, patient)
	if err != nil {
		return nil, err
	}
	return e.calculate(cat, itemID, p)
}

func (e *DosingEngine) calculate(cat *catalog.Catalog, itemID string, p *patientView) (*domain.CalculationResult, error) {
	t, err := cat.Lookup(itemID)
	if err != nil {
		return nil, err
	}
	if t.WeightScaled && !p.attrs.HasWeight() {
		return nil, domain.NewValidationError("weight_kg", fmt.Sprintf("is required for weight-scaled item %s", t.ItemID), p.attrs.WeightKg)
	}

	weight := p.attrs.WeightKg
	result := &domain.CalculationResult{
		ItemID:                  t.ItemID,
		ItemName:                t.Name,
		CatalogVersion:          cat.Version(),
		BaseDose:                round3(t.BaseFor(weight)),
		Unit:                    t.Unit,
		Frequency:               t.Frequency,
		Route:                   t.Route,
		ContraindicationReasons: []string{},
		AppliedAdjustments:      []string{},
		SafetyNotes:             []string{},
		MonitoringRequirements:  []string{},
	}

	// Step 1: absolute stops short-circuit to a zero-dose result.
	if verdict := evaluateContraindications(cat, t, p); verdict.Contraindicated {
		markContraindicated(result, []string{verdict.Reason})
		result.SafetyNotes = append(result.SafetyNotes, verdict.Reason)
		e.logResult(result, verdict.Rule)
		return result, nil
	}

	// Step 2: ordered adjustment factors.
	adj := adjustDose(cat, t, p)
	result.AppliedAdjustments = append(result.AppliedAdjustments, adj.applied...)
	result.SafetyNotes = append(result.SafetyNotes, adj.notes...)
	result.MonitoringRequirements = append(result.MonitoringRequirements, adj.monitoring...)

	if adj.contraindicated {
		markContraindicated(result, adj.reasons)
		for _, r := range adj.reasons {
			result.SafetyNotes = appendUnique(result.SafetyNotes, r)
		}
		e.logResult(result, "adjustment-factor")
		return result, nil
	}

	// Step 3: safety clamp on the raw pipeline output; rounding comes last.
	final, clampNotes := clampDose(t, adj.dose, weight)
	final = round3(final)
	if final <= 0 || math.IsNaN(final) {
		return nil, &domain.InternalError{
			Op:     "calculate_dose",
			ItemID: t.ItemID,
			Err:    fmt.Errorf("dose computed to %v without a contraindication", final),
		}
	}
	result.FinalDose = final
	result.SafetyNotes = append(result.SafetyNotes, clampNotes...)

	// Step 4: optional escalation ramp toward the final dose.
	result.Titration = buildTitration(t, final, weight, e.clampPhases)

	e.logResult(result, "")
	return result, nil
}

func markContraindicated(result *domain.CalculationResult, reasons []string) {
	result.Contraindicated = true
	result.FinalDose = 0
	result.Frequency = domain.FrequencyContraindicated
	result.ContraindicationReasons = append(result.ContraindicationReasons, reasons...)
	result.MonitoringRequirements = append([]string{"Do not administer"}, result.MonitoringRequirements...)
}

// CalculateBatch computes doses for several items against one catalog snapshot.
// Invalid-input errors are reported per entry; an internal error aborts the batch.
func (e *DosingEngine) CalculateBatch(ctx context.Context, itemIDs []string, patient domain.PatientAttributes) (res *domain.BatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("calculate_batch", "", r)
		}
	}()

	if len(itemIDs) == 0 {
		return nil, domain.NewValidationError("item_ids", "at least one item is required", itemIDs)
	}

	cat := e.source.Current()
	p, err := normalizePatient(cat, patient)
	if err != nil {
		return nil, err
	}

	batch := &domain.BatchResult{
		CatalogVersion: cat.Version(),
		Entries:        make([]domain.BatchEntry, 0, len(itemIDs)),
	}
	for _, id := range itemIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := e.calculate(cat, id, p)
		entry := domain.BatchEntry{ItemID: id, Result: result}
		switch {
		case err == nil:
			if result.Contraindicated {
				batch.Contraindicated++
			}
		case domain.IsInputError(err):
			entry.Error = domain.NewEngineError(domain.ErrorCodeFor(err), err.Error(), "", "")
			batch.Failed++
		default:
			return nil, err
		}
		batch.Entries = append(batch.Entries, entry)
	}
	return batch, nil
}

// EvaluateContraindications runs only the ordered absolute-stop checks for an item.
func (e *DosingEngine) EvaluateContraindications(ctx context.Context, itemID string, patient domain.PatientAttributes) (res *domain.ContraindicationVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("evaluate_contraindications", itemID, r)
		}
	}()

	cat := e.source.Current()
	t, err := cat.Lookup(itemID)
	if err != nil {
		return nil, err
	}
	p, err := normalizePatient(cat, patient)
	if err != nil {
		return nil, err
	}
	verdict := evaluateContraindications(cat, t, p)
	return &verdict, nil
}

// CheckInteractions reports every interaction among the patient's medications and the
// requested items. Names outside the vocabulary are listed as unrecognized, not rejected.
func (e *DosingEngine) CheckInteractions(ctx context.Context, medications, items []string) (res *domain.InteractionReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("check_interactions", "", r)
		}
	}()

	cat := e.source.Current()
	report := checkInteractions(cat, medications, items)

	e.logger.WithFields(logrus.Fields{
		"catalog_version":  cat.Version(),
		"substances":       len(medications) + len(items),
		"findings":         report.Total,
		"highest_severity": report.HighestSeverity,
		"unrecognized":     len(report.Unrecognized),
	}).Debug("Interaction check completed")
	return report, nil
}

// RiskFlags evaluates the patient-level risk predicates.
func (e *DosingEngine) RiskFlags(ctx context.Context, patient domain.PatientAttributes) (res *domain.RiskFlagSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("risk_flags", "", r)
		}
	}()

	cat := e.source.Current()
	p, err := normalizePatient(cat, patient)
	if err != nil {
		return nil, err
	}
	return evaluateRiskFlags(cat, p), nil
}

// TitrationSchedule returns the escalation plan toward dose, or nil when the item is not
// titration-eligible.
func (e *DosingEngine) TitrationSchedule(ctx context.Context, itemID string, dose float64) (res *domain.TitrationPlan, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("titration_schedule", itemID, r)
		}
	}()

	if !(dose > 0) || math.IsInf(dose, 0) {
		return nil, domain.NewValidationError("dose", "must be a positive number", dose)
	}
	t, err := e.source.Current().Lookup(itemID)
	if err != nil {
		return nil, err
	}
	return buildTitration(t, dose, 0, e.clampPhases), nil
}

// InterpretLabs flags abnormal lab values against the catalog lab rules.
func (e *DosingEngine) InterpretLabs(ctx context.Context, labs map[string]float64) (res *domain.LabInterpretation, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("interpret_labs", "", r)
		}
	}()

	if err := (&domain.PatientAttributes{Labs: labs}).Validate(); err != nil {
		return nil, err
	}
	cat := e.source.Current()
	canonical, unrecognized := normalizeLabs(cat, labs)
	return interpretLabs(cat, canonical, unrecognized), nil
}

// InjectionDetails computes administration guidance for a dose of an item.
func (e *DosingEngine) InjectionDetails(ctx context.Context, itemID string, dose float64) (res *domain.InjectionDetails, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, e.internalError("injection_details", itemID, r)
		}
	}()

	if !(dose > 0) || math.IsInf(dose, 0) {
		return nil, domain.NewValidationError("dose", "must be a positive number", dose)
	}
	cat := e.source.Current()
	t, err := cat.Lookup(itemID)
	if err != nil {
		return nil, err
	}
	if limit := t.DoseLimit(); dose > limit {
		msg := fmt.Sprintf("exceeds the maximum of %s %s for %s", formatScalar(limit), t.Unit, t.ItemID)
		return nil, domain.NewValidationError("dose", msg, dose)
	}
	return injectionDetails(cat.Injection(), t, dose), nil
}

func (e *DosingEngine) internalError(op, itemID string, recovered any) error {
	e.logger.WithFields(logrus.Fields{
		"operation": op,
		"item_id":   itemID,
		"panic":     fmt.Sprint(recovered),
		"stack":     string(debug.Stack()),
	}).Error("Recovered internal failure in dosing engine")
	return &domain.InternalError{Op: op, ItemID: itemID, Err: fmt.Errorf("panic: %v", recovered)}
}

func (e *DosingEngine) logResult(result *domain.CalculationResult, stopRule string) {
	fields := logrus.Fields(result.LogFields())
	if stopRule != "" {
		fields["stop_rule"] = stopRule
	}
	e.logger.WithFields(fields).Debug("Dose calculation completed")
}
