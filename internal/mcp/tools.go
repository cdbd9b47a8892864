package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/dosing-safety-mcp-server/internal/domain"
	"github.com/dosing-safety-mcp-server/internal/history"
)

// CalculateDoseParams are the inputs of calculate_dose.
type CalculateDoseParams struct {
	ItemID  string                   `json:"item_id" jsonschema:"catalog item id or alias"`
	Patient domain.PatientAttributes `json:"patient" jsonschema:"patient attributes"`
}

// CalculateDoseResponse wraps the result with cache and history metadata.
type CalculateDoseResponse struct {
	Result   *domain.CalculationResult `json:"result"`
	RecordID string                    `json:"record_id,omitempty"`
	Cached   bool                      `json:"cached"`
}

// CalculateBatchParams are the inputs of calculate_batch.
type CalculateBatchParams struct {
	ItemIDs []string                 `json:"item_ids" jsonschema:"catalog item ids or aliases"`
	Patient domain.PatientAttributes `json:"patient" jsonschema:"patient attributes"`
}

// CheckInteractionsParams are the inputs of check_interactions.
type CheckInteractionsParams struct {
	Medications []string `json:"medications,omitempty" jsonschema:"current medications or drug classes"`
	Items       []string `json:"items,omitempty" jsonschema:"catalog items being considered"`
}

// RiskFlagsParams are the inputs of risk_flags.
type RiskFlagsParams struct {
	Patient domain.PatientAttributes `json:"patient" jsonschema:"patient attributes"`
}

// RiskFlagsResponse adds the rendered recommendations to the flag set.
type RiskFlagsResponse struct {
	Flags           *domain.RiskFlagSet `json:"flags"`
	Total           int                 `json:"total"`
	Recommendations []string            `json:"recommendations"`
}

// DoseParams are the inputs of titration_schedule and injection_details.
type DoseParams struct {
	ItemID string  `json:"item_id" jsonschema:"catalog item id or alias"`
	Dose   float64 `json:"dose" jsonschema:"dose in the item's unit"`
}

// TitrationResponse reports the plan, or Eligible false for items that are not titrated.
type TitrationResponse struct {
	ItemID   string                `json:"item_id"`
	Eligible bool                  `json:"eligible"`
	Plan     *domain.TitrationPlan `json:"plan,omitempty"`
}

// InterpretLabsParams are the inputs of interpret_labs.
type InterpretLabsParams struct {
	Labs map[string]float64 `json:"labs" jsonschema:"lab values keyed by test name"`
}

// ListItemsParams are the inputs of list_items.
type ListItemsParams struct {
	Class string `json:"class,omitempty" jsonschema:"only list items of this class"`
}

// ItemSummary describes one catalog item.
type ItemSummary struct {
	ItemID            string   `json:"item_id"`
	Name              string   `json:"name"`
	Unit              string   `json:"unit"`
	Route             string   `json:"route"`
	BaseDose          float64  `json:"base_dose"`
	WeightScaled      bool     `json:"weight_scaled"`
	TitrationEligible bool     `json:"titration_eligible"`
	Classes           []string `json:"classes,omitempty"`
}

// ListItemsResponse is the result of list_items.
type ListItemsResponse struct {
	CatalogVersion string        `json:"catalog_version"`
	Items          []ItemSummary `json:"items"`
}

// CalculationHistoryParams are the inputs of calculation_history.
type CalculationHistoryParams struct {
	ID     string `json:"id,omitempty" jsonschema:"fetch a single record by id"`
	ItemID string `json:"item_id,omitempty" jsonschema:"only list records for this item"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum records to return"`
	Offset int    `json:"offset,omitempty" jsonschema:"records to skip"`
}

// CalculationHistoryResponse is the result of a calculation_history listing.
type CalculationHistoryResponse struct {
	Records []*history.Record `json:"records"`
	Total   int64             `json:"total"`
}

// ExportHistoryParams are the inputs of export_history.
type ExportHistoryParams struct {
	Filename string `json:"filename,omitempty" jsonschema:"file name inside the export directory"`
}

// ExportHistoryResponse reports where the export was written.
type ExportHistoryResponse struct {
	Path    string `json:"path"`
	Records int64  `json:"records"`
}

func (s *Server) handleCalculateDose(ctx context.Context, req *mcp.CallToolRequest, params CalculateDoseParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.ItemID) == "" {
		return s.createErrorResult("calculate_dose", domain.NewValidationError("item_id", "is required", params.ItemID)), nil, nil
	}

	var (
		result   domain.CalculationResult
		cached   bool
		cacheKey string
	)
	cat := s.engine.Catalog()
	if s.cache != nil {
		if key, err := s.cache.Key(cat.Digest(), "calculate", params); err == nil {
			cacheKey = key
			cached = s.cache.Get(ctx, key, &result)
		}
	}

	if !cached {
		computed, err := s.engine.CalculateDoseWith(ctx, cat, params.ItemID, params.Patient)
		if err != nil {
			return s.createErrorResult("calculate_dose", err), nil, nil
		}
		result = *computed
		if cacheKey != "" {
			s.cache.Set(ctx, cacheKey, computed)
		}
	}

	resp := CalculateDoseResponse{Result: &result, Cached: cached}
	if s.history != nil {
		id, err := history.SaveResult(ctx, s.history, &result, params, "mcp")
		if err != nil {
			s.logger.WithError(err).WithField("item_id", result.ItemID).Warn("Calculation not recorded")
		} else {
			resp.RecordID = id
		}
	}

	out, err := jsonResult(resp)
	return out, nil, err
}

func (s *Server) handleCalculateBatch(ctx context.Context, req *mcp.CallToolRequest, params CalculateBatchParams) (*mcp.CallToolResult, any, error) {
	res, err := s.engine.CalculateBatch(ctx, params.ItemIDs, params.Patient)
	if err != nil {
		return s.createErrorResult("calculate_batch", err), nil, nil
	}
	out, err := jsonResult(res)
	return out, nil, err
}

func (s *Server) handleCheckInteractions(ctx context.Context, req *mcp.CallToolRequest, params CheckInteractionsParams) (*mcp.CallToolResult, any, error) {
	report, err := s.engine.CheckInteractions(ctx, params.Medications, params.Items)
	if err != nil {
		return s.createErrorResult("check_interactions", err), nil, nil
	}
	out, err := jsonResult(report)
	return out, nil, err
}

func (s *Server) handleRiskFlags(ctx context.Context, req *mcp.CallToolRequest, params RiskFlagsParams) (*mcp.CallToolResult, any, error) {
	flags, err := s.engine.RiskFlags(ctx, params.Patient)
	if err != nil {
		return s.createErrorResult("risk_flags", err), nil, nil
	}
	out, err := jsonResult(RiskFlagsResponse{
		Flags:           flags,
		Total:           flags.Total(),
		Recommendations: flags.Recommendations(),
	})
	return out, nil, err
}

func (s *Server) handleTitrationSchedule(ctx context.Context, req *mcp.CallToolRequest, params DoseParams) (*mcp.CallToolResult, any, error) {
	plan, err := s.engine.TitrationSchedule(ctx, params.ItemID, params.Dose)
	if err != nil {
		return s.createErrorResult("titration_schedule", err), nil, nil
	}
	resp := TitrationResponse{ItemID: params.ItemID, Eligible: plan != nil, Plan: plan}
	if plan != nil {
		resp.ItemID = plan.ItemID
	}
	out, err := jsonResult(resp)
	return out, nil, err
}

func (s *Server) handleInterpretLabs(ctx context.Context, req *mcp.CallToolRequest, params InterpretLabsParams) (*mcp.CallToolResult, any, error) {
	interpretation, err := s.engine.InterpretLabs(ctx, params.Labs)
	if err != nil {
		return s.createErrorResult("interpret_labs", err), nil, nil
	}
	out, err := jsonResult(interpretation)
	return out, nil, err
}

func (s *Server) handleInjectionDetails(ctx context.Context, req *mcp.CallToolRequest, params DoseParams) (*mcp.CallToolResult, any, error) {
	details, err := s.engine.InjectionDetails(ctx, params.ItemID, params.Dose)
	if err != nil {
		return s.createErrorResult("injection_details", err), nil, nil
	}
	out, err := jsonResult(details)
	return out, nil, err
}

func (s *Server) handleListItems(ctx context.Context, req *mcp.CallToolRequest, params ListItemsParams) (*mcp.CallToolResult, any, error) {
	cat := s.engine.Catalog()

	ids := cat.Items()
	if class := strings.TrimSpace(params.Class); class != "" {
		ids = cat.ItemsMatching(domain.Scope{Classes: []string{strings.ToLower(class)}})
	}

	resp := ListItemsResponse{CatalogVersion: cat.Version(), Items: make([]ItemSummary, 0, len(ids))}
	for _, id := range ids {
		t, ok := cat.Template(id)
		if !ok {
			continue
		}
		resp.Items = append(resp.Items, ItemSummary{
			ItemID:            t.ItemID,
			Name:              t.Name,
			Unit:              t.Unit,
			Route:             t.Route,
			BaseDose:          t.BaseDose,
			WeightScaled:      t.WeightScaled,
			TitrationEligible: t.TitrationEligible,
			Classes:           t.Classes,
		})
	}
	out, err := jsonResult(resp)
	return out, nil, err
}

func (s *Server) handleCalculationHistory(ctx context.Context, req *mcp.CallToolRequest, params CalculationHistoryParams) (*mcp.CallToolResult, any, error) {
	if params.ID != "" {
		record, err := s.history.Get(ctx, params.ID)
		if err != nil {
			return s.createErrorResult("calculation_history", err), nil, nil
		}
		if record == nil {
			return s.createErrorResult("calculation_history", fmt.Errorf("calculation %s: %w", params.ID, domain.ErrNotFound)), nil, nil
		}
		out, err := jsonResult(record)
		return out, nil, err
	}

	if params.Limit < 0 || params.Offset < 0 {
		return s.createErrorResult("calculation_history", domain.NewValidationError("limit", "limit and offset must not be negative", params.Limit)), nil, nil
	}

	records, err := s.history.List(ctx, history.ListOptions{
		ItemID: params.ItemID,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		return s.createErrorResult("calculation_history", err), nil, nil
	}
	total, err := s.history.Count(ctx)
	if err != nil {
		return s.createErrorResult("calculation_history", err), nil, nil
	}

	s.logger.WithFields(logrus.Fields{"returned": len(records), "total": total}).Debug("Listed calculation history")
	out, err := jsonResult(CalculationHistoryResponse{Records: records, Total: total})
	return out, nil, err
}

func (s *Server) handleExportHistory(ctx context.Context, req *mcp.CallToolRequest, params ExportHistoryParams) (*mcp.CallToolResult, any, error) {
	name := params.Filename
	if name == "" {
		name = fmt.Sprintf("history-%s.json", time.Now().UTC().Format("20060102-150405"))
	}
	if filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return s.createErrorResult("export_history", domain.NewValidationError("filename", "must be a plain file name", name)), nil, nil
	}

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return s.createErrorResult("export_history", err), nil, nil
	}
	path := filepath.Join(s.exportDir, name)
	f, err := os.Create(path)
	if err != nil {
		return s.createErrorResult("export_history", err), nil, nil
	}
	defer f.Close()

	if err := s.history.ExportJSON(ctx, f); err != nil {
		return s.createErrorResult("export_history", err), nil, nil
	}
	total, err := s.history.Count(ctx)
	if err != nil {
		return s.createErrorResult("export_history", err), nil, nil
	}

	s.logger.WithFields(logrus.Fields{"path": path, "records": total}).Info("Exported calculation history")
	out, err := jsonResult(ExportHistoryResponse{Path: path, Records: total})
	return out, nil, err
}
