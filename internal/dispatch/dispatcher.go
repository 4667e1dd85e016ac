// Package dispatch executes the functions the model asks for on behalf of a
// user. Data functions are gated on an authenticated session; every outcome
// is returned as a structured Result.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/fingate/internal/authflow"
	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/internal/provider"
	"github.com/haasonsaas/fingate/internal/tools/finance"
	"github.com/haasonsaas/fingate/pkg/models"
)

// Defaults for dispatch behavior.
const (
	DefaultRemoteTimeout  = 12 * time.Second
	DefaultMaxConcurrency = 4
)

// AuthFlow is the part of the authentication flow the dispatcher drives.
type AuthFlow interface {
	Initiate(ctx context.Context, userID, phoneNumber string) (*authflow.InitiateResult, error)
	Complete(ctx context.Context, userID, passcode string) (*authflow.CompleteResult, error)
	Disconnect(ctx context.Context, userID string)
	Demote(ctx context.Context, userID, sessionID string) bool
	Status(userID string) authflow.StatusView
	Authorized(userID string) (*models.Session, bool)
}

// Config tunes a Dispatcher.
type Config struct {
	// RemoteTimeout bounds each provider data call.
	RemoteTimeout time.Duration

	// MaxConcurrency bounds concurrent calls in DispatchAll and in
	// composite fan-outs.
	MaxConcurrency int
}

// Call is one function call requested by the model.
type Call struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Dispatcher routes function calls to the auth flow or the provider.
//
// Thread Safety:
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	flow      AuthFlow
	transport provider.Transport
	config    Config
	schemas   *schemaSet
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records dispatch outcomes.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithTracer wraps each dispatch in a span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// New creates a Dispatcher and compiles the argument schema of every tool.
func New(flow AuthFlow, transport provider.Transport, cfg Config, opts ...Option) (*Dispatcher, error) {
	if flow == nil || transport == nil {
		return nil, fmt.Errorf("auth flow and transport are required")
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultRemoteTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	schemas, err := compileSchemas(finance.All())
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		flow:      flow,
		transport: transport,
		config:    cfg,
		schemas:   schemas,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d, nil
}

// Tools returns the function declarations exposed to the model.
func (d *Dispatcher) Tools() []finance.Tool {
	return finance.All()
}

// Dispatch executes one function call for the user. It never returns nil
// and never panics; every failure is described in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, name string, args json.RawMessage) (result *Result) {
	start := time.Now()
	ctx = observability.AddUserID(ctx, userID)
	ctx, span := d.tracer.TraceDispatch(ctx, name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "dispatch panicked", "tool", name, "panic", fmt.Sprint(r))
			result = Failure(fmt.Errorf("internal error while running %s", name))
		}
		code := "ok"
		if !result.OK {
			code = string(result.Error.Code)
			span.SetAttributes(attribute.String("dispatch.code", code))
		}
		d.metrics.RecordDispatch(name, code, time.Since(start).Seconds())
		d.logger.DebugContext(ctx, "dispatched", "tool", name, "code", code, "duration_ms", time.Since(start).Milliseconds())
	}()

	data, err := d.dispatch(ctx, userID, name, args)
	if err != nil {
		observability.RecordError(span, err)
		return Failure(err)
	}
	return Success(data)
}

func (d *Dispatcher) dispatch(ctx context.Context, userID, name string, raw json.RawMessage) (json.RawMessage, error) {
	tool, ok := finance.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	args, err := d.schemas.decode(tool.Name(), userID, raw)
	if err != nil {
		return nil, err
	}

	switch tool.Name() {
	case finance.InitiateAuthentication:
		phone, _ := args["phoneNumber"].(string)
		return marshal(d.flow.Initiate(ctx, userID, phone))
	case finance.CompleteAuthentication:
		passcode, _ := args["passcode"].(string)
		return marshal(d.flow.Complete(ctx, userID, passcode))
	case finance.CheckAuthenticationStatus:
		return marshal(d.flow.Status(userID), nil)
	case finance.DisconnectAccount:
		d.flow.Disconnect(ctx, userID)
		return json.RawMessage(`{"disconnected":true}`), nil
	}

	if tool.Class() != finance.ClassData {
		return nil, fmt.Errorf("%w: %q has no handler", ErrUnknownFunction, name)
	}
	if tool.Composite() {
		return d.fanOut(ctx, userID, tool)
	}
	return d.callRemote(ctx, userID, tool, forwardArguments(args))
}

// callRemote performs one gated provider call. The session snapshot is
// taken under the user's lock; the remote call itself runs without it.
func (d *Dispatcher) callRemote(ctx context.Context, userID string, tool finance.Tool, args json.RawMessage) (json.RawMessage, error) {
	session, ok := d.flow.Authorized(userID)
	if !ok {
		return nil, ErrAuthenticationRequired
	}
	ctx = observability.AddSessionID(ctx, session.SessionID)

	callCtx, cancel := context.WithTimeout(ctx, d.config.RemoteTimeout)
	defer cancel()

	payload, err := d.transport.CallTool(callCtx, provider.ToolCall{
		SessionID:  session.SessionID,
		Credential: session.Credential,
		Method:     tool.RemoteMethod(),
		Arguments:  args,
	})
	if err != nil {
		if provider.IsUnauthorized(err) {
			d.flow.Demote(ctx, userID, session.SessionID)
			return nil, fmt.Errorf("%w: provider rejected the session credential", ErrAuthenticationRequired)
		}
		return nil, fmt.Errorf("%s: %w", tool.Name(), err)
	}
	return payload, nil
}

// DispatchAll runs several calls for one user concurrently. Results are in
// the same order as calls.
func (d *Dispatcher) DispatchAll(ctx context.Context, userID string, calls []Call) []*Result {
	results := make([]*Result, len(calls))
	sem := make(chan struct{}, d.config.MaxConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call Call) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Failure(ctx.Err())
				return
			}
			results[idx] = d.Dispatch(ctx, userID, call.Name, call.Arguments)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs model tool calls and returns tool results for the next
// model turn.
func (d *Dispatcher) Execute(ctx context.Context, userID string, toolCalls []models.ToolCall) []models.ToolResult {
	calls := make([]Call, len(toolCalls))
	for i, tc := range toolCalls {
		calls[i] = Call{Name: tc.Name, Arguments: tc.Input}
	}
	results := d.DispatchAll(ctx, userID, calls)

	out := make([]models.ToolResult, len(toolCalls))
	for i, tc := range toolCalls {
		out[i] = models.ToolResult{
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Content:    string(results[i].JSON()),
			IsError:    !results[i].OK,
		}
	}
	return out
}

func marshal(v any, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
