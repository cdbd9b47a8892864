package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	catalogURI       = "dosing://catalog"
	itemURIPrefix    = "dosing://items/"
	itemURITemplate  = itemURIPrefix + "{id}"
	reviewPromptName = "dosing_review"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         catalogURI,
		Name:        "rule-catalog",
		Description: "Version, digest and item list of the rule catalog in force.",
		MIMEType:    "application/json",
	}, s.readCatalog)

	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: itemURITemplate,
		Name:        "dosing-template",
		Description: "Full dosing template for one catalog item, looked up by id or alias.",
		MIMEType:    "application/json",
	}, s.readItem)

	s.mcpServer.AddPrompt(&mcp.Prompt{
		Name:        reviewPromptName,
		Description: "Walk through a dose calculation, interaction screen and risk review for one item.",
		Arguments: []*mcp.PromptArgument{
			{Name: "item_id", Description: "catalog item id or alias", Required: true},
			{Name: "patient", Description: "patient summary, e.g. age, sex, conditions, medications"},
		},
	}, s.reviewPrompt)
}

func (s *Server) readCatalog(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	cat := s.engine.Catalog()
	return jsonResource(req.Params.URI, map[string]any{
		"version":     cat.Version(),
		"description": cat.Description(),
		"digest":      cat.Digest(),
		"items":       cat.Items(),
	})
}

func (s *Server) readItem(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	id := strings.TrimPrefix(req.Params.URI, itemURIPrefix)
	t, err := s.engine.Catalog().Lookup(id)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(req.Params.URI)
	}
	return jsonResource(req.Params.URI, t)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode resource %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: "application/json", Text: string(raw)}},
	}, nil
}

func (s *Server) reviewPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	raw := req.Params.Arguments["item_id"]
	t, err := s.engine.Catalog().Lookup(raw)
	if err != nil {
		return nil, err
	}

	patient := req.Params.Arguments["patient"]
	if patient == "" {
		patient = "not provided; ask for age, sex, pregnancy status, weight, conditions and current medications"
	}

	steps := []string{
		"Call calculate_dose with the patient attributes. Report contraindications first; a contraindicated result has a final dose of zero.",
		"Call check_interactions with the patient's medications and this item. Call out major findings.",
		"Call risk_flags and list high and medium flags with their actions.",
	}
	if t.TitrationEligible {
		steps = append(steps, "Call titration_schedule with the final dose and present the ramp.")
	}
	if t.Route != "" && t.Route != "oral" {
		steps = append(steps, "Call injection_details for the final dose.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review dosing of %s (%s, %s) for this patient: %s.\n\n", t.Name, t.ItemID, t.Route, patient)
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString("\nEnd with the monitoring requirements. Do not adjust doses beyond what the engine returns.")

	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Dosing review for %s", t.Name),
		Messages: []*mcp.PromptMessage{
			{Role: "user", Content: &mcp.TextContent{Text: b.String()}},
		},
	}, nil
}
