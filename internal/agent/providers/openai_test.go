package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/pkg/models"
)

type namedTool struct{ name string }

func (n namedTool) Name() string            { return n.name }
func (n namedTool) Description() string     { return "test tool" }
func (n namedTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object","properties":{"userId":{"type":"string"}}}`) }

func sseServer(t *testing.T, check func(r *http.Request, body []byte), events ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, event := range events {
			fmt.Fprint(w, event)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) (string, []models.ToolCall, error) {
	t.Helper()
	var text strings.Builder
	var calls []models.ToolCall
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return text.String(), calls, nil
			}
			if chunk.Error != nil {
				return text.String(), calls, chunk.Error
			}
			text.WriteString(chunk.Text)
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestOpenAIStreamsTextAndToolCalls(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	server := sseServer(t, func(r *http.Request, body []byte) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.Unmarshal(body, &gotReq)
	},
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Checking\"}}]}\n\n",
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"type\":\"function\",\"function\":{\"name\":\"getNetWorth\",\"arguments\":\"{\\\"userId\\\":\"}}]}}]}\n\n",
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"u1\\\"}\"}}]}}]}\n\n",
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n",
		"data: [DONE]\n\n",
	)

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1", RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:   "be brief",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "net worth?"}},
		Tools:    []agent.Tool{namedTool{name: "getNetWorth"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	text, calls, err := collect(t, chunks)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "Checking" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].ID != "call_1" || calls[0].Name != "getNetWorth" || string(calls[0].Input) != `{"userId":"u1"}` {
		t.Fatalf("calls = %+v", calls)
	}

	if gotReq.Model != DefaultOpenAIModel || !gotReq.Stream {
		t.Errorf("request model=%s stream=%v", gotReq.Model, gotReq.Stream)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if len(gotReq.Tools) != 1 || gotReq.Tools[0].Function.Name != "getNetWorth" {
		t.Errorf("tools = %+v", gotReq.Tools)
	}
}

func TestOpenAIErrorIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-bad", BaseURL: server.URL + "/v1", RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if providerErr.Reason != ReasonAuth || providerErr.Status != http.StatusUnauthorized {
		t.Errorf("provider error = %+v", providerErr)
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := &OpenAIProvider{}
	msgs := p.convertMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", ToolCalls: []models.ToolCall{{ID: "c1", Name: "getNetWorth", Input: json.RawMessage(`{}`)}}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: `{"ok":true}`},
			{ToolCallID: "c2", Content: `{"ok":false}`, IsError: true},
		}},
	}, "")

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[1].ToolCalls[0].Function.Name != "getNetWorth" {
		t.Errorf("assistant = %+v", msgs[1])
	}
	if msgs[2].Role != openai.ChatMessageRoleTool || msgs[3].ToolCallID != "c2" {
		t.Errorf("tool messages = %+v %+v", msgs[2], msgs[3])
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
