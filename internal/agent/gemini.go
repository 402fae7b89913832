package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// Gemini implements Capability using the Google Gen AI SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini capability for model.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// WithModel returns a capability sharing the client but using model.
func (g *Gemini) WithModel(model string) *Gemini {
	return &Gemini{client: g.client, model: model}
}

// Name returns the capability identifier.
func (g *Gemini) Name() string { return "gemini:" + g.model }

// Generate sends one prompt to the model.
func (g *Gemini) Generate(ctx context.Context, req Request) (Reply, error) {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}
	slog.Debug("Gemini.Generate", "model", model, "stage", req.Stage, "tools", len(req.Tools))

	contents := []*genai.Content{genai.NewContentFromText(req.Text, genai.RoleUser)}
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		config.Tools = buildToolDeclarations(req.Tools)
		if req.ForceTool {
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode: genai.FunctionCallingConfigModeAny,
				},
			}
		}
	}

	res, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	return replyFromResponse(res)
}

func buildToolDeclarations(specs []ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		props := make(map[string]*genai.Schema, len(spec.Params))
		required := make([]string, 0, len(spec.Params))
		for _, p := range spec.Params {
			props[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
			required = append(required, p.Name)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   required,
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// replyFromResponse picks the first function call of the first candidate,
// falling back to its text.
func replyFromResponse(res *genai.GenerateContentResponse) (Reply, error) {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil, ErrEmptyReply
	}

	var text strings.Builder
	var call *genai.FunctionCall
	for _, part := range res.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil && call == nil {
			call = part.FunctionCall
		}
	}

	if call != nil {
		id := call.ID
		if id == "" {
			id = "call-" + uuid.New().String()
		}
		return ToolCallRequest{ID: id, Name: call.Name, Args: call.Args, Text: text.String()}, nil
	}
	if text.Len() == 0 {
		return nil, ErrEmptyReply
	}
	return PlainText{Text: text.String()}, nil
}
