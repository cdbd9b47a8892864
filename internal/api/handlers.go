package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/dosing-safety-mcp-server/internal/domain"
	"github.com/dosing-safety-mcp-server/internal/history"
	"github.com/dosing-safety-mcp-server/internal/metrics"
	"github.com/dosing-safety-mcp-server/internal/middleware"
)

// CalculateRequest asks for one personalized dose.
type CalculateRequest struct {
	ItemID  string                   `json:"item_id" binding:"required"`
	Patient domain.PatientAttributes `json:"patient"`
}

// CalculateResponse wraps a result with its cache and history metadata.
type CalculateResponse struct {
	Result   *domain.CalculationResult `json:"result"`
	RecordID string                    `json:"record_id,omitempty"`
	Cached   bool                      `json:"cached"`
}

// BatchRequest asks for several items for the same patient.
type BatchRequest struct {
	ItemIDs []string                 `json:"item_ids" binding:"required,min=1"`
	Patient domain.PatientAttributes `json:"patient"`
}

// DoseRequest carries an item and a dose for titration and injection guidance.
type DoseRequest struct {
	ItemID string  `json:"item_id" binding:"required"`
	Dose   float64 `json:"dose"`
}

// TitrationResponse reports a plan, or Eligible false when the item is not titrated.
type TitrationResponse struct {
	ItemID   string                `json:"item_id"`
	Eligible bool                  `json:"eligible"`
	Plan     *domain.TitrationPlan `json:"plan,omitempty"`
}

// InteractionRequest lists the substances to screen pairwise.
type InteractionRequest struct {
	Medications []string `json:"medications"`
	Items       []string `json:"items"`
}

// RiskRequest carries the patient to screen.
type RiskRequest struct {
	Patient domain.PatientAttributes `json:"patient"`
}

// RiskResponse adds the rendered recommendation lines to the flag set.
type RiskResponse struct {
	Flags           *domain.RiskFlagSet `json:"flags"`
	Total           int                 `json:"total"`
	Recommendations []string            `json:"recommendations"`
}

// LabRequest carries lab values keyed by test name or alias.
type LabRequest struct {
	Labs map[string]float64 `json:"labs" binding:"required"`
}

type catalogItem struct {
	ItemID            string   `json:"item_id"`
	Name              string   `json:"name"`
	Unit              string   `json:"unit"`
	Route             string   `json:"route"`
	WeightScaled      bool     `json:"weight_scaled"`
	TitrationEligible bool     `json:"titration_eligible"`
	Classes           []string `json:"classes,omitempty"`
}

func (s *Server) handleCatalog(c *gin.Context) {
	cat := s.deps.Engine.Catalog()
	ids := cat.Items()
	items := make([]catalogItem, 0, len(ids))
	for _, id := range ids {
		t, ok := cat.Template(id)
		if !ok {
			continue
		}
		items = append(items, catalogItem{
			ItemID:            t.ItemID,
			Name:              t.Name,
			Unit:              t.Unit,
			Route:             t.Route,
			WeightScaled:      t.WeightScaled,
			TitrationEligible: t.TitrationEligible,
			Classes:           t.Classes,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"version":     cat.Version(),
		"description": cat.Description(),
		"digest":      cat.Digest(),
		"items":       items,
	})
}

func (s *Server) handleCatalogItem(c *gin.Context) {
	t, err := s.deps.Engine.Catalog().Lookup(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleCalculate(c *gin.Context) {
	var req CalculateRequest
	if !s.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	start := time.Now()

	var (
		result   domain.CalculationResult
		cached   bool
		cacheKey string
	)
	cat := s.deps.Engine.Catalog()
	if s.deps.Cache != nil {
		key, err := s.deps.Cache.Key(cat.Digest(), "calculate", req)
		if err == nil {
			cacheKey = key
			cached = s.deps.Cache.Get(ctx, key, &result)
		}
	}

	if !cached {
		computed, err := s.deps.Engine.CalculateDoseWith(ctx, cat, req.ItemID, req.Patient)
		if err != nil {
			s.deps.Metrics.ObserveCalculation(s.itemLabel(req.ItemID), errorOutcome(err), time.Since(start))
			s.writeError(c, err)
			return
		}
		result = *computed
		if cacheKey != "" {
			s.deps.Cache.Set(ctx, cacheKey, computed)
		}
	}
	s.deps.Metrics.ObserveCalculation(result.ItemID, calculationOutcome(&result), time.Since(start))

	c.JSON(http.StatusOK, CalculateResponse{
		Result:   &result,
		RecordID: s.record(c, &result, req),
		Cached:   cached,
	})
}

func (s *Server) handleBatch(c *gin.Context) {
	var req BatchRequest
	if !s.bind(c, &req) {
		return
	}
	start := time.Now()
	res, err := s.deps.Engine.CalculateBatch(c.Request.Context(), req.ItemIDs, req.Patient)
	s.deps.Metrics.ObserveOperation("calculate_batch", time.Since(start))
	if err != nil {
		s.writeError(c, err)
		return
	}
	for _, entry := range res.Entries {
		if entry.Result == nil {
			s.deps.Metrics.Calculations.WithLabelValues(s.itemLabel(entry.ItemID), metrics.OutcomeInvalid).Inc()
			continue
		}
		s.deps.Metrics.Calculations.WithLabelValues(entry.Result.ItemID, calculationOutcome(entry.Result)).Inc()
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleTitration(c *gin.Context) {
	var req DoseRequest
	if !s.bind(c, &req) {
		return
	}
	start := time.Now()
	plan, err := s.deps.Engine.TitrationSchedule(c.Request.Context(), req.ItemID, req.Dose)
	s.deps.Metrics.ObserveOperation("titration_schedule", time.Since(start))
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := TitrationResponse{ItemID: req.ItemID, Eligible: plan != nil, Plan: plan}
	if plan != nil {
		resp.ItemID = plan.ItemID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInjection(c *gin.Context) {
	var req DoseRequest
	if !s.bind(c, &req) {
		return
	}
	start := time.Now()
	details, err := s.deps.Engine.InjectionDetails(c.Request.Context(), req.ItemID, req.Dose)
	s.deps.Metrics.ObserveOperation("injection_details", time.Since(start))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *Server) handleInteractions(c *gin.Context) {
	var req InteractionRequest
	if !s.bind(c, &req) {
		return
	}
	start := time.Now()
	report, err := s.deps.Engine.CheckInteractions(c.Request.Context(), req.Medications, req.Items)
	s.deps.Metrics.ObserveOperation("check_interactions", time.Since(start))
	if err != nil {
		s.writeError(c, err)
		return
	}
	for _, f := range report.Findings {
		s.deps.Metrics.InteractionFindings.WithLabelValues(f.Severity.String()).Inc()
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRiskFlags(c *gin.Context) {
	var req RiskRequest
	if !s.bind(c, &req) {
		return
	}
	start := time.Now()
	flags, err := s.deps.Engine.RiskFlags(c.Request.Context(), req.Patient)
	s.deps.Metrics.ObserveOperation("risk_flags", time.Since(start))
	if err != nil {
		s.writeError(c, err)
		return
	}
	for _, group := range [][]domain.RiskFlag{flags.High, flags.Medium, flags.Monitoring} {
		for _, f := range group {
			s.deps.Metrics.RiskFlags.WithLabelValues(f.Category.String()).Inc()
		}
	}
	c.JSON(http.StatusOK, RiskResponse{
		Flags:           flags,
		Total:           flags.Total(),
		Recommendations: flags.Recommendations(),
	})
}

func (s *Server) handleLabs(c *gin.Context) {
	var req LabRequest
	if !s.bind(c, &req) {
		return
	}
	start := time.Now()
	interp, err := s.deps.Engine.InterpretLabs(c.Request.Context(), req.Labs)
	s.deps.Metrics.ObserveOperation("interpret_labs", time.Since(start))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"interpretation": interp,
		"critical":       interp.HasCritical(),
	})
}

func (s *Server) handleListHistory(c *gin.Context) {
	if !s.historyEnabled(c) {
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		s.writeError(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		s.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	records, err := s.deps.History.List(ctx, history.ListOptions{
		ItemID: c.Query("item_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(c, historyError(err))
		return
	}
	total, err := s.deps.History.Count(ctx)
	if err != nil {
		s.writeError(c, historyError(err))
		return
	}
	if records == nil {
		records = []*history.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "total": total})
}

func (s *Server) handleGetHistory(c *gin.Context) {
	if !s.historyEnabled(c) {
		return
	}
	record, err := s.deps.History.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, historyError(err))
		return
	}
	if record == nil {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, record)
}

// record persists a served calculation. History failures never fail the request.
func (s *Server) record(c *gin.Context, result *domain.CalculationResult, request any) string {
	if s.deps.History == nil {
		return ""
	}
	id, err := history.SaveResult(c.Request.Context(), s.deps.History, result, request, "api")
	if err != nil {
		s.deps.Metrics.HistoryWriteFailures.Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"item_id":        result.ItemID,
			"correlation_id": c.GetString(middleware.CorrelationKey),
		}).Warn("Failed to record calculation history")
		return ""
	}
	return id
}

func (s *Server) historyEnabled(c *gin.Context) bool {
	if s.deps.History != nil {
		return true
	}
	c.JSON(http.StatusNotFound, domain.NewEngineError(
		domain.ErrNotFoundCode,
		"Calculation history is disabled",
		"",
		c.GetString(middleware.CorrelationKey),
	))
	return false
}

func (s *Server) bind(c *gin.Context, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewEngineError(
			domain.ErrInvalidInput,
			"Invalid request body",
			err.Error(),
			c.GetString(middleware.CorrelationKey),
		))
		return false
	}
	return true
}

// writeError maps engine errors onto HTTP statuses. Internal details are logged, not returned.
func (s *Server) writeError(c *gin.Context, err error) {
	code := domain.ErrorCodeFor(err)
	requestID := c.GetString(middleware.CorrelationKey)

	var status int
	message := err.Error()
	switch code {
	case domain.ErrInvalidInput:
		status = http.StatusBadRequest
	case domain.ErrUnknownItem, domain.ErrNotFoundCode:
		status = http.StatusNotFound
	case domain.ErrDatabaseError:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		message = "Internal server error"
		s.logger.WithError(err).WithField("correlation_id", requestID).Error("Request failed")
	}

	var engineErr *domain.EngineError
	if errors.As(err, &engineErr) {
		message = engineErr.Message
	}
	c.JSON(status, domain.NewEngineError(code, message, "", requestID))
}

func historyError(err error) error {
	details := err.Error()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		details = "history store temporarily unavailable"
	}
	return domain.NewEngineError(domain.ErrDatabaseError, "Calculation history unavailable", details, "")
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer", raw)
	}
	return v, nil
}

// itemLabel keeps caller-supplied ids that the catalog does not know out of metric labels.
func (s *Server) itemLabel(raw string) string {
	if id, ok := s.deps.Engine.Catalog().ResolveItem(raw); ok {
		return id
	}
	return "unknown"
}

func calculationOutcome(r *domain.CalculationResult) string {
	if r.Contraindicated {
		return metrics.OutcomeContraindicated
	}
	return metrics.OutcomeOK
}

func errorOutcome(err error) string {
	if domain.IsInputError(err) {
		return metrics.OutcomeInvalid
	}
	return metrics.OutcomeError
}
