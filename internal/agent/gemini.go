package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/koopa0/stockdesk/internal/log"
)

// systemPrompt sets the analyst persona for every conversation.
const systemPrompt = `You are an expert stock market analyst assisting with equity research.
You have tools for quotes, company profiles, financial statements, news, price history,
dividends, splits, social sentiment, trend forecasts, and an indexed research knowledge base.

Guidelines:
- Call tools to ground every factual claim; never invent prices or figures.
- Prefer the fewest tool calls that answer the question; batch independent lookups in one turn.
- Present figures with their as-of dates and be explicit about uncertainty.
- Forecasts are statistical trend projections, not advice; always say so.
- You provide research and analysis, never personalized investment advice.`

// GeminiClient implements ModelClient on the Gemini API. One request per
// turn; the response stream is buffered into ordered fragments plus any
// function calls so the loop can replay them.
type GeminiClient struct {
	client *genai.Client
	model  string
	tools  []*genai.Tool
	logger log.Logger
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	Client   *genai.Client
	Model    string
	Registry *Registry
	Logger   log.Logger
}

// NewGeminiClient creates a ModelClient that exposes the registry's
// catalog as Gemini function declarations.
func NewGeminiClient(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.Client == nil {
		return nil, errors.New("genai client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model name is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	declarations, err := declarationsFor(cfg.Registry)
	if err != nil {
		return nil, err
	}

	return &GeminiClient{
		client: cfg.Client,
		model:  cfg.Model,
		tools:  []*genai.Tool{{FunctionDeclarations: declarations}},
		logger: cfg.Logger,
	}, nil
}

// declarationsFor converts the registry's JSON Schemas into Gemini
// function declarations via a JSON round-trip.
func declarationsFor(registry *Registry) ([]*genai.FunctionDeclaration, error) {
	tools := registry.Tools()
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshaling schema for %s: %w", tool.Name, err)
		}
		var schema genai.Schema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("converting schema for %s: %w", tool.Name, err)
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  &schema,
		})
	}
	return declarations, nil
}

// RequestTurn sends the transcript and collects one model turn.
func (g *GeminiClient) RequestTurn(ctx context.Context, turns []Turn) (*ModelTurn, error) {
	contents, err := convertTurns(turns)
	if err != nil {
		return nil, err
	}

	stream := g.client.Models.GenerateContentStream(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Tools:             g.tools,
	})

	turn := &ModelTurn{}
	for resp, err := range stream {
		if err != nil {
			return nil, fmt.Errorf("model stream: %w", err)
		}
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" && !part.Thought {
					turn.Fragments = append(turn.Fragments, part.Text)
				}
				if part.FunctionCall != nil {
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						return nil, fmt.Errorf("encoding function call args: %w", err)
					}
					turn.ToolCalls = append(turn.ToolCalls, ToolCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: args,
					})
				}
			}
		}
	}

	g.logger.Debug("model turn received",
		"fragments", len(turn.Fragments),
		"tool_calls", len(turn.ToolCalls))
	return turn, nil
}

// convertTurns maps the conversation transcript onto Gemini contents.
// Tool results travel as user-role FunctionResponse parts, mirroring how
// the API expects call/response pairing.
func convertTurns(turns []Turn) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case RoleUser:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: turn.Text}},
			})

		case RoleModel:
			var parts []*genai.Part
			if turn.Text != "" {
				parts = append(parts, &genai.Part{Text: turn.Text})
			}
			for _, call := range turn.ToolCalls {
				var args map[string]any
				if len(call.Args) > 0 {
					if err := json.Unmarshal(call.Args, &args); err != nil {
						return nil, fmt.Errorf("decoding args for %s: %w", call.Name, err)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   call.ID,
						Name: call.Name,
						Args: args,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case RoleTool:
			parts := make([]*genai.Part, 0, len(turn.Results))
			for _, result := range turn.Results {
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       result.CallID,
						Name:     result.Name,
						Response: responseMap(result),
					},
				})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})

		default:
			return nil, fmt.Errorf("unknown turn role %q", turn.Role)
		}
	}
	return contents, nil
}

// responseMap shapes one tool result for the model. Failures carry their
// code so the model can distinguish its own bad arguments from upstream
// trouble.
func responseMap(result ToolResult) map[string]any {
	if result.Err != nil {
		return map[string]any{
			"error": result.Err.Message,
			"code":  string(result.Err.Code),
		}
	}
	var payload any
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		return map[string]any{"result": string(result.Payload)}
	}
	return map[string]any{"result": payload}
}
