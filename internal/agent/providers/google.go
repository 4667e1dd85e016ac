// Package providers implements the model vendor integrations behind
// agent.LLMProvider: Google Gemini, Anthropic Claude and OpenAI.
//
// Each provider streams its response as agent.CompletionChunk values,
// retries transient failures before any output was produced, and reports
// failures as *ProviderError.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/internal/agent/toolconv"
	"github.com/haasonsaas/fingate/pkg/models"
)

// DefaultGoogleModel is used when neither config nor request names a model.
const DefaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider implements agent.LLMProvider for Google's Gemini API.
//
// Thread Safety:
// GoogleProvider is safe for concurrent use. Each Complete() call creates
// an independent stream and goroutine.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	base         BaseProvider
}

// GoogleConfig holds configuration parameters for creating a GoogleProvider.
type GoogleConfig struct {
	// APIKey is the Google AI API key (required).
	APIKey string

	// BaseURL overrides the API endpoint. Used by tests and proxies.
	BaseURL string

	// MaxRetries sets the maximum attempts for transient failures. Default: 3
	MaxRetries int

	// RetryDelay sets the base delay between attempts. Default: 1s
	RetryDelay time.Duration

	// DefaultModel is used when the request does not name a model.
	DefaultModel string
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultGoogleModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string {
	return "google"
}

// Models returns the Gemini models known to work with function calling.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextSize: 1000000},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1000000},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1000000},
	}
}

// SupportsTools reports true; Gemini supports function calling.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete streams a Gemini response.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	contents := p.convertMessages(req.Messages)
	config := p.buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var emitted bool
		err := p.base.Retry(ctx, func(err error) bool {
			return !emitted && IsRetryable(err)
		}, func() error {
			stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			return p.wrapError(p.processStream(ctx, stream, chunks, &emitted), model)
		})
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			chunks <- &agent.CompletionChunk{Error: err}
			return
		}
		chunks <- &agent.CompletionChunk{Done: true}
	}()
	return chunks, nil
}

// processStream converts Gemini responses into chunks.
func (p *GoogleProvider) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk, emitted *bool) error {
	for resp, err := range stream {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" && !part.Thought {
					*emitted = true
					chunks <- &agent.CompletionChunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					id := part.FunctionCall.ID
					if id == "" {
						id = generateToolCallID(part.FunctionCall.Name)
					}
					*emitted = true
					chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
						ID:    id,
						Name:  part.FunctionCall.Name,
						Input: argsJSON,
					}}
				}
			}
		}
	}
	return nil
}

// convertMessages maps the transcript onto Gemini contents. Tool results
// travel as function responses on the user side.
func (p *GoogleProvider) convertMessages(messages []agent.CompletionMessage) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{
					"result": tr.Content,
					"error":  tr.IsError,
				}
			}
			name := tr.Name
			if name == "" {
				name = getToolNameFromID(tr.ToolCallID, messages)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: name, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	providerErr := NewProviderError("google", model, err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		return providerErr
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr
}

func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// getToolNameFromID finds the function name of a tool call in the
// transcript. Gemini matches responses to calls by name.
func getToolNameFromID(toolCallID string, messages []agent.CompletionMessage) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
