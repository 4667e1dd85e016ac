package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/fingate/internal/observability"
)

// DefaultMaxResponseBytes caps how much of a provider response is read.
const DefaultMaxResponseBytes = 1 << 20

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// URL is the provider's JSON-RPC endpoint.
	URL string

	// Headers are added to every request.
	Headers map[string]string

	// Timeout bounds each HTTP round trip. Callers usually also bound the
	// context; the shorter of the two wins.
	Timeout time.Duration

	// MaxResponseBytes caps the response body. Zero uses DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// HTTPTransport sends JSON-RPC requests to the provider over HTTP. Responses
// may be plain JSON or a text/event-stream carrying the JSON-RPC response.
type HTTPTransport struct {
	config  HTTPConfig
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// HTTPOption customizes an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records call latency and outcome.
func WithMetrics(metrics *observability.Metrics) HTTPOption {
	return func(t *HTTPTransport) { t.metrics = metrics }
}

// WithTracer wraps each call in a client span.
func WithTracer(tracer *observability.Tracer) HTTPOption {
	return func(t *HTTPTransport) { t.tracer = tracer }
}

// NewHTTPTransport creates a transport for the endpoint in cfg.
func NewHTTPTransport(cfg HTTPConfig, opts ...HTTPOption) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("provider URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}

	t := &HTTPTransport{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "provider", "transport", "http")
	return t, nil
}

// BeginLogin implements Transport.
func (t *HTTPTransport) BeginLogin(ctx context.Context, sessionID, phoneNumber string) (string, error) {
	raw, err := t.call(ctx, MethodLogin, sessionID, "", loginParams{PhoneNumber: phoneNumber})
	if err != nil {
		return "", err
	}
	var result loginResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &RemoteError{StatusCode: http.StatusOK, Message: fmt.Sprintf("malformed login result: %v", err)}
	}
	return result.LoginURL, nil
}

// Verify implements Transport.
func (t *HTTPTransport) Verify(ctx context.Context, sessionID, phoneNumber, passcode string) (string, error) {
	raw, err := t.call(ctx, MethodVerify, sessionID, "", verifyParams{PhoneNumber: phoneNumber, Passcode: passcode})
	if err != nil {
		return "", err
	}
	var result verifyResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Token == "" {
		return "", &RemoteError{StatusCode: http.StatusOK, Message: "verification returned no token"}
	}
	return result.Token, nil
}

// CallTool implements Transport.
func (t *HTTPTransport) CallTool(ctx context.Context, call ToolCall) (json.RawMessage, error) {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return t.call(ctx, MethodToolsCall, call.SessionID, call.Credential, toolCallParams{
		Name:      call.Method,
		Arguments: args,
	})
}

func (t *HTTPTransport) call(ctx context.Context, method, sessionID, credential string, params any) (json.RawMessage, error) {
	ctx, span := t.tracer.TraceRemoteCall(ctx, method)
	defer span.End()

	start := time.Now()
	result, err := t.roundTrip(ctx, method, sessionID, credential, params)
	outcome := outcomeLabel(err)
	t.metrics.RecordRemoteCall(method, outcome, time.Since(start).Seconds())
	if err != nil {
		observability.RecordError(span, err)
		t.logger.WarnContext(ctx, "provider call failed",
			"method", method,
			"outcome", outcome,
			"error", err,
		)
		return nil, err
	}
	t.logger.DebugContext(ctx, "provider call succeeded",
		"method", method,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (t *HTTPTransport) roundTrip(ctx context.Context, method, sessionID, credential string, params any) (json.RawMessage, error) {
	requestID := uuid.NewString()
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      requestID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if sessionID != "" {
		httpReq.Header.Set(HeaderSessionID, sessionID)
	}
	if credential != "" {
		httpReq.Header.Set(HeaderAuthorization, "Bearer "+credential)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, unavailable(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBytes+1))
	if err != nil {
		return nil, unavailable(err)
	}
	if int64(len(data)) > t.config.MaxResponseBytes {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: "response exceeds size limit"}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, unauthorized(errorMessage(data))
	case resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, unavailable(fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	rpcResp, err := decodeResponse(resp.Header.Get("Content-Type"), data, requestID)
	if err != nil {
		return nil, &RemoteError{StatusCode: resp.StatusCode, Message: err.Error()}
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == http.StatusUnauthorized || rpcResp.Error.Code == http.StatusForbidden {
			return nil, unauthorized(rpcResp.Error.Message)
		}
		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       rpcResp.Error.Code,
			Message:    rpcResp.Error.Message,
		}
	}
	return rpcResp.Result, nil
}

// decodeResponse extracts the JSON-RPC response from a plain JSON body or
// from the data lines of an event stream.
func decodeResponse(contentType string, data []byte, requestID string) (*rpcResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "text/event-stream" {
		var rpcResp rpcResponse
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &rpcResp, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var rpcResp rpcResponse
		if err := json.Unmarshal([]byte(payload), &rpcResp); err != nil {
			continue
		}
		if id, ok := rpcResp.ID.(string); ok && id != requestID {
			continue
		}
		if rpcResp.Result != nil || rpcResp.Error != nil {
			return &rpcResp, nil
		}
	}
	return nil, errors.New("event stream ended without a response")
}

// errorMessage pulls a human-readable message out of an error body.
func errorMessage(data []byte) string {
	var envelope struct {
		Error   *rpcError `json:"error"`
		Message string    `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
