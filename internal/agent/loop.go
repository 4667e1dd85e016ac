// Package agent connects a model provider to the function dispatcher: it
// sends the conversation to the model, runs the functions the model asks
// for, feeds the results back and repeats until the model answers in text.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/pkg/models"
)

// Loop defaults.
const (
	DefaultMaxIterations            = 8
	DefaultMaxWallTime              = 2 * time.Minute
	DefaultMaxToolCallsPerIteration = 16

	// MaxResponseTextSize bounds the text accumulated from one model turn.
	MaxResponseTextSize = 1 << 20
)

// LoopConfig tunes a Loop.
type LoopConfig struct {
	// Model overrides the provider's default model.
	Model string

	// System is the system prompt sent with every request.
	System string

	// MaxIterations limits model round trips per user message.
	MaxIterations int

	// MaxTokens limits each model response.
	MaxTokens int

	// MaxWallTime bounds one user message end to end.
	MaxWallTime time.Duration

	// MaxToolCallsPerIteration rejects runaway tool call bursts.
	MaxToolCallsPerIteration int
}

// DefaultLoopConfig returns the defaults with the finance system prompt.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		System:                   DefaultSystemPrompt,
		MaxIterations:            DefaultMaxIterations,
		MaxWallTime:              DefaultMaxWallTime,
		MaxToolCallsPerIteration: DefaultMaxToolCallsPerIteration,
	}
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxWallTime <= 0 {
		cfg.MaxWallTime = defaults.MaxWallTime
	}
	if cfg.MaxToolCallsPerIteration <= 0 {
		cfg.MaxToolCallsPerIteration = defaults.MaxToolCallsPerIteration
	}
	if strings.TrimSpace(cfg.System) == "" {
		cfg.System = defaults.System
	}
	return cfg
}

// Loop drives the model/tool conversation for one user message at a time.
// It holds no conversation state; history is passed in by the caller.
//
// Thread Safety:
// Loop is safe for concurrent use.
type Loop struct {
	provider LLMProvider
	executor ToolExecutor
	tools    []Tool
	config   LoopConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// LoopOption customizes a Loop.
type LoopOption func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records model request metrics.
func WithMetrics(metrics *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = metrics }
}

// WithTracer wraps model requests in spans.
func WithTracer(tracer *observability.Tracer) LoopOption {
	return func(l *Loop) { l.tracer = tracer }
}

// NewLoop creates a Loop offering tools to the model and running the
// model's calls through executor.
func NewLoop(provider LLMProvider, executor ToolExecutor, tools []Tool, cfg LoopConfig, opts ...LoopOption) (*Loop, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if executor == nil {
		return nil, ErrNoExecutor
	}
	l := &Loop{
		provider: provider,
		executor: executor,
		tools:    tools,
		config:   sanitizeLoopConfig(cfg),
		logger:   slog.Default(),
	}
	if !provider.SupportsTools() {
		l.tools = nil
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent", "provider", provider.Name())
	return l, nil
}

// Turn is the outcome of one user message.
type Turn struct {
	// Reply is the model's final text.
	Reply string `json:"reply"`

	// Messages are the transcript entries added by this turn, starting with
	// the user message. Append them to the history for the next turn.
	Messages []models.Message `json:"messages"`

	// Iterations is the number of model round trips.
	Iterations int `json:"iterations"`
}

// Respond runs the loop to completion and returns the final answer. On
// error the partial turn is returned alongside it.
func (l *Loop) Respond(ctx context.Context, userID string, history []models.Message, content string) (*Turn, error) {
	return l.RespondStream(ctx, userID, history, content, nil)
}

// RespondStream is Respond with every text, tool call and tool result also
// passed to emit as it happens. emit runs on the calling goroutine.
func (l *Loop) RespondStream(ctx context.Context, userID string, history []models.Message, content string, emit func(*ResponseChunk)) (*Turn, error) {
	if emit == nil {
		emit = func(*ResponseChunk) {}
	}
	added, iterations, err := l.run(ctx, userID, history, content, emit)
	turn := &Turn{Messages: added, Iterations: iterations}
	for i := len(added) - 1; i >= 0; i-- {
		if added[i].Role == models.RoleAssistant {
			turn.Reply = added[i].Content
			break
		}
	}
	return turn, err
}

func (l *Loop) run(ctx context.Context, userID string, history []models.Message, content string, emit func(*ResponseChunk)) ([]models.Message, int, error) {
	if strings.TrimSpace(content) == "" {
		return nil, 0, ErrEmptyMessage
	}
	runCtx, cancel := context.WithTimeout(observability.AddUserID(ctx, userID), l.config.MaxWallTime)
	defer cancel()

	userMsg := models.Message{Role: models.RoleUser, Content: content, CreatedAt: time.Now()}
	messages := toCompletionMessages(history)
	messages = append(messages, CompletionMessage{Role: string(models.RoleUser), Content: content})
	added := []models.Message{userMsg}

	for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
		if err := runCtx.Err(); err != nil {
			return added, iteration, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		text, calls, err := l.stream(runCtx, messages, emit)
		if err != nil {
			return added, iteration, &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		added = append(added, models.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
			CreatedAt: time.Now(),
		})
		messages = append(messages, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   text,
			ToolCalls: calls,
		})
		if len(calls) == 0 {
			return added, iteration + 1, nil
		}

		results := l.executeTools(runCtx, userID, calls, emit)
		added = append(added, models.Message{
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   time.Now(),
		})
		messages = append(messages, CompletionMessage{
			Role:        string(models.RoleTool),
			ToolResults: results,
		})
	}

	return added, l.config.MaxIterations, &LoopError{
		Phase:     PhaseExecuteTools,
		Iteration: l.config.MaxIterations,
		Cause:     ErrMaxIterations,
		Message:   fmt.Sprintf("reached max iterations: %d", l.config.MaxIterations),
	}
}

// stream sends one request and collects the text and tool calls of the
// response.
func (l *Loop) stream(ctx context.Context, messages []CompletionMessage, emit func(*ResponseChunk)) (string, []models.ToolCall, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  messages,
		Tools:     l.tools,
		MaxTokens: l.config.MaxTokens,
	}

	start := time.Now()
	ctx, span := l.tracer.TraceLLMRequest(ctx, l.provider.Name(), l.config.Model)
	defer span.End()

	text, calls, err := l.collect(ctx, req, emit)
	status := "ok"
	if err != nil {
		status = "error"
		observability.RecordError(span, err)
		l.logger.WarnContext(ctx, "model request failed", "error", err)
	}
	l.metrics.RecordLLMRequest(l.provider.Name(), l.config.Model, status, time.Since(start).Seconds())
	return text, calls, err
}

func (l *Loop) collect(ctx context.Context, req *CompletionRequest, emit func(*ResponseChunk)) (string, []models.ToolCall, error) {
	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}
	// Providers block on send; drain whatever is left if we stop early.
	defer func() {
		go func() {
			for range completion {
			}
		}()
	}()

	var text strings.Builder
	var calls []models.ToolCall
	for chunk := range completion {
		if chunk.Error != nil {
			return "", nil, chunk.Error
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > MaxResponseTextSize {
				return "", nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
			emit(&ResponseChunk{Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			if len(calls) >= l.config.MaxToolCallsPerIteration {
				return "", nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", l.config.MaxToolCallsPerIteration)
			}
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			calls = append(calls, call)
		}
		if chunk.Done {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return text.String(), calls, nil
}

func (l *Loop) executeTools(ctx context.Context, userID string, calls []models.ToolCall, emit func(*ResponseChunk)) []models.ToolResult {
	for i := range calls {
		emit(&ResponseChunk{ToolCall: &calls[i]})
	}
	results := l.executor.Execute(ctx, userID, calls)
	if len(results) != len(calls) {
		l.logger.ErrorContext(ctx, "executor returned wrong number of results", "calls", len(calls), "results", len(results))
		results = padResults(calls, results)
	}
	for i := range results {
		emit(&ResponseChunk{ToolResult: &results[i]})
	}
	return results
}

// padResults makes sure every call has a result so the transcript stays
// well formed for the vendor APIs.
func padResults(calls []models.ToolCall, results []models.ToolResult) []models.ToolResult {
	byID := make(map[string]models.ToolResult, len(results))
	for _, r := range results {
		byID[r.ToolCallID] = r
	}
	out := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		if r, ok := byID[call.ID]; ok {
			out[i] = r
			continue
		}
		out[i] = models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    `{"ok":false,"error":{"code":"remote_error","message":"no result"}}`,
			IsError:    true,
		}
	}
	return out
}

func toCompletionMessages(history []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}
