package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.0-flash"

// Gemini is a Backend on the Gemini API. One client is kept per credential.
type Gemini struct {
	model  string
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGemini creates a Gemini backend for a model.
func NewGemini(model string, logger *slog.Logger) *Gemini {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{
		model:   model,
		logger:  logger.With("component", "gemini"),
		clients: make(map[string]*genai.Client),
	}
}

func (g *Gemini) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	g.clients[apiKey] = c
	return c, nil
}

// Generate issues one GenerateContent call with the given API key.
func (g *Gemini) Generate(ctx context.Context, apiKey string, req *Request) (string, error) {
	client, err := g.client(ctx, apiKey)
	if err != nil {
		return "", &Error{Kind: KindFatal, Err: fmt.Errorf("create client: %w", err)}
	}

	resp, err := client.Models.GenerateContent(ctx, g.model, buildContents(req), buildConfig(req))
	if err != nil {
		return "", classifyGenAIError(err)
	}

	text := strings.TrimSpace(resp.Text())
	g.logger.Debug("model response", "model", g.model, "chars", len(text))
	return text, nil
}

func buildContents(req *Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}

	parts := make([]*genai.Part, 0, 1+len(req.Media))
	if req.Text != "" {
		parts = append(parts, genai.NewPartFromText(req.Text))
	}
	for _, m := range req.Media {
		parts = append(parts, genai.NewPartFromBytes(m.Data, m.MIMEType))
	}
	if len(parts) > 0 {
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return contents
}

func buildConfig(req *Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	return cfg
}

// classifyGenAIError wraps a provider error in *Error with its kind.
func classifyGenAIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Err: err}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Kind:       ClassifyStatus(apiErr.Code, apiErr.Status),
			StatusCode: apiErr.Code,
			Status:     apiErr.Status,
			Err:        err,
		}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &Error{
			Kind:       ClassifyStatus(apiErrPtr.Code, apiErrPtr.Status),
			StatusCode: apiErrPtr.Code,
			Status:     apiErrPtr.Status,
			Err:        err,
		}
	}
	return &Error{Kind: KindFatal, Err: err}
}
