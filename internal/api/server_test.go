package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosing-safety-mcp-server/internal/cache"
	"github.com/dosing-safety-mcp-server/internal/catalog"
	"github.com/dosing-safety-mcp-server/internal/domain"
	"github.com/dosing-safety-mcp-server/internal/history"
	"github.com/dosing-safety-mcp-server/internal/metrics"
	"github.com/dosing-safety-mcp-server/internal/service"
)

type staticConfig struct {
	cfg *domain.Config
}

func (s *staticConfig) GetConfig() *domain.Config { return s.cfg }
func (s *staticConfig) GetDatabaseConfig() *domain.DatabaseConfig { return &s.cfg.Database }
func (s *staticConfig) GetServerConfig() *domain.ServerConfig { return &s.cfg.Server }
func (s *staticConfig) GetCatalogConfig() *domain.CatalogConfig { return &s.cfg.Catalog }
func (s *staticConfig) Reload() error { return nil }
func (s *staticConfig) Validate() error { return nil }
func (s *staticConfig) GetDatabaseConnectionString() string { return "" }
func (s *staticConfig) GetRedisConnectionString() string { return "" }
func (s *staticConfig) IsProduction() bool { return false }
func (s *staticConfig) IsDevelopment() bool { return true }

func testConfig() *domain.Config {
	return &domain.Config{
		Environment: "test",
		Server:      domain.ServerConfig{RequestTimeout: 5 * time.Second},
		Logging:     domain.LoggingConfig{Level: "error"},
		MCP:         domain.MCPConfig{ServerVersion: "test"},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type testEnv struct {
	server  *Server
	history *history.SQLiteStore
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, mutate func(cfg *domain.Config, deps *Dependencies)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat, err := catalog.LoadEmbedded(catalog.RequireRiskPredicates(service.RiskPredicates()))
	require.NoError(t, err)

	store, err := history.NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	logger := quietLogger()
	resultCache := cache.NewWithClient(cache.Config{MemorySize: 100}, nil, logger)
	resultCache.SetObserver(m.ObserveCache)

	cfg := testConfig()
	deps := Dependencies{
		Engine:  service.NewDosingEngine(service.StaticCatalog(cat), logger),
		Cache:   resultCache,
		History: store,
		Metrics: m,
		Logger:  logger,
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	return &testEnv{
		server:  NewServer(&staticConfig{cfg: cfg}, deps),
		history: store,
		metrics: m,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func elderlyRequest() CalculateRequest {
	return CalculateRequest{
		ItemID:  "bpc-157",
		Patient: domain.PatientAttributes{Age: 76, Sex: domain.SexMale, WeightKg: 70},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["catalog_version"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]ReadinessCheck
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"passing", map[string]ReadinessCheck{"database": func(context.Context) error { return nil }}, http.StatusOK},
		{"failing", map[string]ReadinessCheck{
			"database": func(context.Context) error { return nil },
			"cache":    func(context.Context) error { return errors.New("connection refused") },
		}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(_ *domain.Config, deps *Dependencies) {
				deps.ReadinessChecks = tt.checks
			})
			rec := env.do(t, http.MethodGet, "/ready", nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCatalog(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Version string        `json:"version"`
		Items   []catalogItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Version)
	assert.NotEmpty(t, body.Items)

	rec = env.do(t, http.MethodGet, "/api/v1/catalog/items/BPC-157", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tmpl := decode[domain.DosingTemplate](t, rec)
	assert.Equal(t, "bpc-157", tmpl.ItemID)

	rec = env.do(t, http.MethodGet, "/api/v1/catalog/items/unicorn", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalculate_CachesAndRecords(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.do(t, http.MethodPost, "/api/v1/dosing/calculate", elderlyRequest())
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	resp := decode[CalculateResponse](t, first)
	assert.False(t, resp.Cached)
	assert.Equal(t, 150.0, resp.Result.FinalDose)
	assert.Equal(t, []string{"Age adjustment: 0.6×"}, resp.Result.AppliedAdjustments)
	require.NotEmpty(t, resp.RecordID)

	second := env.do(t, http.MethodPost, "/api/v1/dosing/calculate", elderlyRequest())
	require.Equal(t, http.StatusOK, second.Code)
	cached := decode[CalculateResponse](t, second)
	assert.True(t, cached.Cached)
	assert.Equal(t, resp.Result, cached.Result)
	assert.NotEqual(t, resp.RecordID, cached.RecordID, "every served calculation is recorded")

	rec := env.do(t, http.MethodGet, "/api/v1/history/"+resp.RecordID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	record := decode[history.Record](t, rec)
	assert.Equal(t, "bpc-157", record.ItemID)
	assert.Equal(t, "api", record.Source)
	assert.Equal(t, 150.0, record.FinalDose)

	rec = env.do(t, http.MethodGet, "/api/v1/history?item_id=bpc-157&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Records []history.Record `json:"records"`
		Total   int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Records, 1)
	assert.Equal(t, int64(2), list.Total)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheLookups.WithLabelValues("memory", "hit")))
}

func TestCalculate_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"malformed body", `{"item_id":`, http.StatusBadRequest, domain.ErrInvalidInput},
		{"missing item", map[string]any{"patient": map[string]any{"age": 40}}, http.StatusBadRequest, domain.ErrInvalidInput},
		{"unknown item", CalculateRequest{ItemID: "unicorn", Patient: domain.PatientAttributes{Age: 40}}, http.StatusNotFound, domain.ErrUnknownItem},
		{"negative age", CalculateRequest{ItemID: "bpc-157", Patient: domain.PatientAttributes{Age: -1}}, http.StatusBadRequest, domain.ErrInvalidInput},
		{"bad sex", map[string]any{"item_id": "bpc-157", "patient": map[string]any{"age": 40, "sex": "robot"}}, http.StatusBadRequest, domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/dosing/calculate", tt.body)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			body := decode[domain.EngineError](t, rec)
			assert.Equal(t, tt.wantErr, body.Code)
			assert.Equal(t, rec.Header().Get("X-Correlation-ID"), body.RequestID)
		})
	}

	count, err := env.history.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count, "failed calculations are not recorded")
}

func TestCalculate_Contraindicated(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/dosing/calculate", CalculateRequest{
		ItemID:  "bpc-157",
		Patient: domain.PatientAttributes{Age: 30, Sex: domain.SexFemale, Pregnancy: domain.PregnancyPregnant, WeightKg: 60},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[CalculateResponse](t, rec)
	assert.True(t, resp.Result.Contraindicated)
	assert.Zero(t, resp.Result.FinalDose)
	assert.Equal(t, domain.FrequencyContraindicated, resp.Result.Frequency)
}

func TestBatch(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/dosing/batch", BatchRequest{
		ItemIDs: []string{"bpc-157", "unicorn"},
		Patient: domain.PatientAttributes{Age: 40, Sex: domain.SexMale, WeightKg: 80},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[domain.BatchResult](t, rec)
	require.Len(t, res.Entries, 2)
	assert.NotNil(t, res.Entries[0].Result)
	require.NotNil(t, res.Entries[1].Error)
	assert.Equal(t, domain.ErrUnknownItem, res.Entries[1].Error.Code)
	assert.Equal(t, 1, res.Failed)

	rec = env.do(t, http.MethodPost, "/api/v1/dosing/batch", map[string]any{"item_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTitrationAndInjection(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/dosing/titration", DoseRequest{ItemID: "bpc-157", Dose: 150})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decode[TitrationResponse](t, rec)
	assert.True(t, plan.Eligible)
	require.NotNil(t, plan.Plan)
	require.Len(t, plan.Plan.Phases, 3)
	assert.Equal(t, 75.0, plan.Plan.Phases[0].Dose)

	rec = env.do(t, http.MethodPost, "/api/v1/dosing/injection", DoseRequest{ItemID: "bpc-157", Dose: 250})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	details := decode[domain.InjectionDetails](t, rec)
	require.NotNil(t, details.VolumeML)
	assert.Equal(t, 0.25, *details.VolumeML)

	rec = env.do(t, http.MethodPost, "/api/v1/dosing/injection", DoseRequest{ItemID: "bpc-157", Dose: -5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInteractions(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/interactions/check", InteractionRequest{
		Medications: []string{"warfarin", "aspirin"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	report := decode[domain.InteractionReport](t, rec)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, domain.SeverityMajor, report.Findings[0].Severity)
	assert.True(t, report.HasMajor)
}

func TestRiskFlags(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/risk-flags", RiskRequest{
		Patient: domain.PatientAttributes{Age: 30, Sex: domain.SexMale},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[RiskResponse](t, rec)
	assert.Zero(t, resp.Total)
	assert.Equal(t, []string{domain.NoRiskRecommendation}, resp.Recommendations)
}

func TestLabs(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/labs/interpret", LabRequest{
		Labs: map[string]float64{"A1C": 7.0, "egfr": 25},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Interpretation domain.LabInterpretation `json:"interpretation"`
		Critical       bool                     `json:"critical"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Critical)
	assert.Len(t, body.Interpretation.Findings, 2)
}

func TestHistory(t *testing.T) {
	t.Run("missing record", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(t, http.MethodGet, "/api/v1/history/does-not-exist", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad paging", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(t, http.MethodGet, "/api/v1/history?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, func(_ *domain.Config, deps *Dependencies) {
			deps.History = nil
		})
		rec := env.do(t, http.MethodGet, "/api/v1/history", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/v1/dosing/calculate", elderlyRequest())
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[CalculateResponse](t, rec).RecordID)
	})
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *domain.Config, _ *Dependencies) {
		cfg.RateLimit = domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/catalog", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/v1/catalog", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code, "probes are not limited")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodPost, "/api/v1/dosing/calculate", elderlyRequest())

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dosing_calculations_total{item="bpc-157",outcome="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `route="/api/v1/dosing/calculate"`)
}
