// Package mcp exposes the dosing engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/dosing-safety-mcp-server/internal/cache"
	"github.com/dosing-safety-mcp-server/internal/domain"
	"github.com/dosing-safety-mcp-server/internal/history"
	"github.com/dosing-safety-mcp-server/internal/service"
)

// Server registers the engine operations as MCP tools.
type Server struct {
	engine    *service.DosingEngine
	cache     *cache.ResultCache
	history   history.Store
	exportDir string
	logger    *logrus.Logger
	name      string
	version   string
	mcpServer *mcp.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCache memoizes dose calculations.
func WithCache(c *cache.ResultCache) Option {
	return func(s *Server) { s.cache = c }
}

// WithHistory records every dose calculation.
func WithHistory(store history.Store) Option {
	return func(s *Server) { s.history = store }
}

// WithExportDir enables the export_history tool, writing into dir.
func WithExportDir(dir string) Option {
	return func(s *Server) { s.exportDir = dir }
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithImplementation overrides the name and version reported to clients.
func WithImplementation(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// NewServer creates an MCP server around engine and registers every tool.
func NewServer(engine *service.DosingEngine, opts ...Option) *Server {
	s := &Server{
		engine:  engine,
		logger:  logrus.New(),
		name:    "dosing-safety-engine",
		version: "v1.0.0",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = mcp.NewServer(&mcp.Implementation{Name: s.name, Version: s.version}, nil)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Run serves a single session over transport until ctx is cancelled or the peer disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.WithField("server", s.name).Info("MCP session starting")
	if err := s.mcpServer.Run(ctx, transport); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calculate_dose",
		Description: "Calculate a personalized dose for one catalog item. Applies absolute contraindications, then age, sex, pregnancy, BMI, condition and medication adjustments, then clamps to the item's safe range and regulatory ceilings.",
	}, s.handleCalculateDose)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "calculate_batch",
		Description: "Calculate doses for several catalog items for the same patient. Unknown items are reported per entry.",
	}, s.handleCalculateBatch)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "check_interactions",
		Description: "Screen medications and catalog items pairwise for known interactions, sorted by severity.",
	}, s.handleCheckInteractions)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "risk_flags",
		Description: "Evaluate patient-level risk flags (high, medium, monitoring) with recommendations.",
	}, s.handleRiskFlags)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "titration_schedule",
		Description: "Return the escalation ramp that ends at the given maintenance dose for a titration-eligible item.",
	}, s.handleTitrationSchedule)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "interpret_labs",
		Description: "Interpret lab values against catalog thresholds and list abnormal findings.",
	}, s.handleInterpretLabs)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "injection_details",
		Description: "Return injection volume or capsule count, needle, site rotation and timing guidance for a dose.",
	}, s.handleInjectionDetails)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_items",
		Description: "List the catalog items, optionally restricted to one class.",
	}, s.handleListItems)

	if s.history != nil {
		mcp.AddTool(s.mcpServer, &mcp.Tool{
			Name:        "calculation_history",
			Description: "List recorded dose calculations, newest first, or fetch one by id.",
		}, s.handleCalculationHistory)

		if s.exportDir != "" {
			mcp.AddTool(s.mcpServer, &mcp.Tool{
				Name:        "export_history",
				Description: "Write every recorded calculation to a timestamped JSON file in the export directory.",
			}, s.handleExportHistory)
		}
	}

	s.logger.WithField("history", s.history != nil).Debug("Registered MCP tools")
}

// jsonResult renders v as the text content of a successful tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
	}, nil
}

// createErrorResult reports err to the client as a tool error. Input errors carry their
// message; internal failures are logged and reported generically.
func (s *Server) createErrorResult(tool string, err error) *mcp.CallToolResult {
	code := domain.ErrorCodeFor(err)
	message := err.Error()
	if !domain.IsInputError(err) && code != domain.ErrNotFoundCode {
		s.logger.WithError(err).WithField("tool", tool).Error("Tool failed")
		message = "internal error"
	}

	payload, _ := json.Marshal(domain.NewEngineError(code, message, "", ""))
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
		IsError: true,
	}
}
