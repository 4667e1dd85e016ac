package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/fingate/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the loop.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different requests.
//
// See Also:
//   - providers.GoogleProvider for Gemini
//   - providers.AnthropicProvider for Claude
//   - providers.OpenAIProvider for GPT models
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed when the response is finished.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default
	// model is used.
	Model string `json:"model"`

	// System is the system prompt. Most vendor APIs carry it separately
	// from the messages.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools declares the functions the model may call.
	Tools []Tool `json:"-"`

	// MaxTokens limits the length of the generated response. If 0, the
	// provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool"
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Each chunk carries partial text, one complete tool call, the done signal,
// or an error. An error terminates the stream.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	// Token counts are only populated on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool is a function declaration offered to the model. Execution is not
// part of the declaration; calls are handed to a ToolExecutor.
type Tool interface {
	// Name returns the function name the model calls.
	Name() string

	// Description tells the model when to call the function.
	Description() string

	// Schema returns the JSON Schema of the function's arguments.
	Schema() json.RawMessage
}

// ToolExecutor runs the tool calls of one model turn for a user and returns
// one result per call, in call order. Failures are reported in the results.
type ToolExecutor interface {
	Execute(ctx context.Context, userID string, calls []models.ToolCall) []models.ToolResult
}

// ResponseChunk is one event streamed out of the loop.
type ResponseChunk struct {
	Text       string             `json:"text,omitempty"`
	ToolCall   *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
}

// Declarations converts any slice of tool declarations into []Tool.
func Declarations[T Tool](tools []T) []Tool {
	out := make([]Tool, len(tools))
	for i, tool := range tools {
		out[i] = tool
	}
	return out
}
