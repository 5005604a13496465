// Package oracle wraps the Gemini API behind the calls the ledger needs:
// mapping CSV columns to semantic fields, classifying a batch of
// transactions into merchant/category/recurrence attributes, and spotting
// duplicate merchants.
package oracle

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

const (
	classifyTool   = "submit_classifications"
	mapColumnsTool = "map_columns"
	duplicatesTool = "report_duplicate_groups"

	// A model turn that produces neither the expected tool call nor any side
	// tool call is fatal; a turn with only side tool calls continues the same
	// conversation. maxToolTurns bounds how long that can go on.
	maxToolTurns = 8

	sampleRowLimit = 5
)

var tracer = otel.Tracer("budget-tracker/oracle")

// EnrichRow is one transaction handed to the classifier, carrying its
// global row index so results can be matched back.
type EnrichRow struct {
	Index       int
	Date        string
	Description string
	Amount      string
}

// Classification is the classifier's verdict for one input row. Pointer
// fields are null when the model could not determine the attribute.
type Classification struct {
	Index            int     `json:"index"`
	MerchantName     *string `json:"merchant_name"`
	MerchantLocation *string `json:"merchant_location"`
	Category         *string `json:"category"`
	Subcategory      *string `json:"subcategory"`
	CardNumber       *string `json:"card_number"`
	IsRecurring      bool    `json:"is_recurring"`
	Description      string  `json:"description"`
}

// ColumnMapping holds zero-based column indices, nil when the model found
// no matching column.
type ColumnMapping struct {
	Description *int `json:"description"`
	Date        *int `json:"date"`
	Amount      *int `json:"amount"`
}

// MerchantRecord is one stored merchant handed to the duplicate finder.
type MerchantRecord struct {
	ID       string
	Name     string
	Location *string
}

// DuplicateGroup is one set of merchants the model judged to be the same
// business, with the clean name it suggests for the merged row.
type DuplicateGroup struct {
	CanonicalName     string   `json:"canonical_name"`
	CanonicalLocation *string  `json:"canonical_location"`
	MemberIDs         []string `json:"member_ids"`
}

// generator is the genai.Models surface the client uses; tests substitute
// a fake.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Config carries the oracle's connection settings.
type Config struct {
	APIKey      string
	Model       string // classification model
	ColumnModel string // cheaper model for column mapping
}

// Client is a handle to the classification service, constructed once at
// startup and passed into the scheduler.
type Client struct {
	models      generator
	model       string
	columnModel string
	logger      *slog.Logger
}

// NewClient builds a Gemini-backed oracle client.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Client{
		models:      gc.Models,
		model:       cfg.Model,
		columnModel: cfg.ColumnModel,
		logger:      logger,
	}, nil
}

// Classify sends one batch of rows to the model and returns one
// classification per input index. The model is forced into tool mode; if it
// calls a side tool instead of submitting classifications, the same
// conversation is continued with empty tool responses until it submits.
func (c *Client) Classify(ctx context.Context, rows []EnrichRow) ([]Classification, error) {
	ctx, span := tracer.Start(ctx, "oracle.Classify")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(rows)))

	var sb strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&sb, "%d. [%s] %s  (amount: %s)\n", r.Index, r.Date, r.Description, r.Amount)
	}

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: fmt.Sprintf(enrichmentPrompt, sb.String())}},
		},
	}
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        classifyTool,
			Description: "Submit enriched merchant/category/subcategory data for each transaction",
			Parameters:  classificationSchema(),
		}}}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny},
		},
	}

	for turn := 0; turn < maxToolTurns; turn++ {
		resp, err := c.models.GenerateContent(ctx, c.model, contents, config)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generate content failed")
			return nil, fmt.Errorf("failed to generate classifications: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			return nil, fmt.Errorf("classification model returned no candidates")
		}

		modelTurn := resp.Candidates[0].Content
		var sideCalls []*genai.FunctionCall
		for _, part := range modelTurn.Parts {
			call := part.FunctionCall
			if call == nil {
				continue
			}
			if call.Name == classifyTool {
				return decodeClassifications(call.Args, rows)
			}
			sideCalls = append(sideCalls, call)
		}

		if len(sideCalls) == 0 {
			return nil, fmt.Errorf("classification model did not call %s", classifyTool)
		}

		// Side tool use: continue the same conversation rather than starting
		// over, answering each call with an empty response.
		c.logger.InfoContext(ctx, "classification model requested side tools, continuing",
			slog.Int("turn", turn), slog.Int("calls", len(sideCalls)))
		contents = append(contents, modelTurn)
		reply := &genai.Content{Role: genai.RoleUser}
		for _, call := range sideCalls {
			reply.Parts = append(reply.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: call.Name, Response: map[string]any{}},
			})
		}
		contents = append(contents, reply)
	}

	return nil, fmt.Errorf("classification model exceeded %d tool turns without submitting", maxToolTurns)
}

// DetectColumns asks the model which CSV columns hold the description, date,
// and amount fields.
func (c *Client) DetectColumns(ctx context.Context, headers []string, sampleRows [][]string) (*ColumnMapping, error) {
	ctx, span := tracer.Start(ctx, "oracle.DetectColumns")
	defer span.End()

	sample, err := buildCSVSample(headers, sampleRows)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: fmt.Sprintf(columnMappingPrompt, sample)}},
		},
	}
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        mapColumnsTool,
			Description: "Map CSV columns to known target columns by their zero-based index",
			Parameters:  columnMappingSchema(),
		}}}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{mapColumnsTool},
			},
		},
	}

	resp, err := c.models.GenerateContent(ctx, c.columnModel, contents, config)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to detect columns: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("column mapping model returned no candidates")
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.FunctionCall != nil && part.FunctionCall.Name == mapColumnsTool {
			return decodeColumnMapping(part.FunctionCall.Args)
		}
	}
	return nil, fmt.Errorf("column mapping model did not call %s", mapColumnsTool)
}

// FindDuplicateMerchants asks the model which stored merchants are the same
// business. Groups with fewer than two members are discarded.
func (c *Client) FindDuplicateMerchants(ctx context.Context, merchants []MerchantRecord) ([]DuplicateGroup, error) {
	ctx, span := tracer.Start(ctx, "oracle.FindDuplicateMerchants")
	defer span.End()
	span.SetAttributes(attribute.Int("merchants", len(merchants)))

	var sb strings.Builder
	for _, m := range merchants {
		location := ""
		if m.Location != nil {
			location = *m.Location
		}
		fmt.Fprintf(&sb, "%s\t%s\t%s\n", m.ID, m.Name, location)
	}

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: fmt.Sprintf(duplicatesPrompt, sb.String())}},
		},
	}
	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        duplicatesTool,
			Description: "Report groups of likely-duplicate merchants",
			Parameters:  duplicateGroupsSchema(),
		}}}},
		ToolConfig: &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{duplicatesTool},
			},
		},
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to find duplicate merchants: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("duplicate finder returned no candidates")
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.FunctionCall != nil && part.FunctionCall.Name == duplicatesTool {
			return decodeDuplicateGroups(part.FunctionCall.Args)
		}
	}
	return nil, fmt.Errorf("duplicate finder did not call %s", duplicatesTool)
}

func decodeClassifications(args map[string]any, rows []EnrichRow) ([]Classification, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	var payload struct {
		Results []Classification `json:"results"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode classifications: %w", err)
	}

	seen := make(map[int]bool, len(payload.Results))
	for _, res := range payload.Results {
		seen[res.Index] = true
	}
	for _, r := range rows {
		if !seen[r.Index] {
			return nil, fmt.Errorf("classification missing for index %d", r.Index)
		}
	}
	return payload.Results, nil
}

func decodeColumnMapping(args map[string]any) (*ColumnMapping, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	var mapping ColumnMapping
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return nil, fmt.Errorf("failed to decode column mapping: %w", err)
	}
	return &mapping, nil
}

func decodeDuplicateGroups(args map[string]any) ([]DuplicateGroup, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	var payload struct {
		Groups []DuplicateGroup `json:"groups"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode duplicate groups: %w", err)
	}

	groups := payload.Groups[:0]
	for _, g := range payload.Groups {
		if len(g.MemberIDs) >= 2 {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func buildCSVSample(headers []string, rows [][]string) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(headers); err != nil {
		return "", fmt.Errorf("failed to build csv sample: %w", err)
	}
	for i, row := range rows {
		if i >= sampleRowLimit {
			break
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("failed to build csv sample: %w", err)
		}
	}
	w.Flush()
	return sb.String(), nil
}

func classificationSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"results": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"index":             {Type: genai.TypeInteger},
						"merchant_name":     {Type: genai.TypeString, Nullable: genai.Ptr(true)},
						"merchant_location": {Type: genai.TypeString, Nullable: genai.Ptr(true)},
						"category":          {Type: genai.TypeString, Nullable: genai.Ptr(true)},
						"subcategory":       {Type: genai.TypeString, Nullable: genai.Ptr(true)},
						"card_number":       {Type: genai.TypeString, Nullable: genai.Ptr(true)},
						"is_recurring":      {Type: genai.TypeBoolean},
						"description":       {Type: genai.TypeString},
					},
					Required: []string{
						"index", "merchant_name", "merchant_location", "category",
						"subcategory", "card_number", "is_recurring", "description",
					},
				},
			},
		},
		Required: []string{"results"},
	}
}

func duplicateGroupsSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"groups": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"canonical_name":     {Type: genai.TypeString},
						"canonical_location": {Type: genai.TypeString, Nullable: genai.Ptr(true)},
						"member_ids": {
							Type:        genai.TypeArray,
							Items:       &genai.Schema{Type: genai.TypeString},
							Description: "IDs of all merchants in this group (2 or more)",
						},
					},
					Required: []string{"canonical_name", "canonical_location", "member_ids"},
				},
			},
		},
		Required: []string{"groups"},
	}
}

func columnMappingSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"description": {Type: genai.TypeInteger, Nullable: genai.Ptr(true), Description: "Zero-based index of the column containing the transaction description or memo"},
			"date":        {Type: genai.TypeInteger, Nullable: genai.Ptr(true), Description: "Zero-based index of the column containing the transaction date"},
			"amount":      {Type: genai.TypeInteger, Nullable: genai.Ptr(true), Description: "Zero-based index of the column containing the transaction amount"},
		},
		Required: []string{"description", "date", "amount"},
	}
}
