package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

var sandboxPasscode = regexp.MustCompile(`^[0-9]{6}$`)

// sandboxFixtures are the payloads served by the sandbox provider.
var sandboxFixtures = map[string]json.RawMessage{
	"fetch_net_worth":          json.RawMessage(`{"netWorth":{"currency":"INR","total":2450000,"assets":[{"type":"MUTUAL_FUND","value":1200000},{"type":"EPF","value":650000},{"type":"SAVINGS","value":600000}],"liabilities":[]}}`),
	"fetch_credit_report":      json.RawMessage(`{"creditReport":{"score":782,"bureau":"SANDBOX","accounts":3,"enquiriesLast6Months":1}}`),
	"fetch_epf_details":        json.RawMessage(`{"epf":{"uan":"100000000000","balance":650000,"employerShare":310000,"employeeShare":340000}}`),
	"fetch_mf_transactions":    json.RawMessage(`{"transactions":[{"scheme":"Index Fund Direct Growth","type":"BUY","amount":25000,"date":"2025-01-05"},{"scheme":"Liquid Fund Direct","type":"SELL","amount":10000,"date":"2025-02-11"}]}`),
	"fetch_bank_transactions":  json.RawMessage(`{"transactions":[{"narration":"SALARY","type":"CREDIT","amount":150000,"date":"2025-02-01"},{"narration":"RENT","type":"DEBIT","amount":40000,"date":"2025-02-03"}]}`),
	"fetch_stock_transactions": json.RawMessage(`{"transactions":[{"symbol":"SANDBOX","type":"BUY","quantity":10,"price":1520.5,"date":"2025-01-20"}]}`),
}

// SandboxTransport is an in-process provider for local development. It
// accepts any six digit passcode and serves fixture payloads. It must not be
// used in production.
type SandboxTransport struct {
	loginBase string

	mu     sync.Mutex
	tokens map[string]string // credential -> session id
}

// NewSandboxTransport creates a sandbox provider whose login URLs point at
// loginBase.
func NewSandboxTransport(loginBase string) *SandboxTransport {
	if loginBase == "" {
		loginBase = "http://localhost:8080/sandbox/login"
	}
	return &SandboxTransport{
		loginBase: loginBase,
		tokens:    make(map[string]string),
	}
}

// BeginLogin implements Transport.
func (s *SandboxTransport) BeginLogin(ctx context.Context, sessionID, phoneNumber string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable(err)
	}
	return s.loginBase + "?sessionId=" + url.QueryEscape(sessionID), nil
}

// Verify implements Transport.
func (s *SandboxTransport) Verify(ctx context.Context, sessionID, phoneNumber, passcode string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable(err)
	}
	if !sandboxPasscode.MatchString(passcode) {
		return "", &RemoteError{StatusCode: 200, Code: 400, Message: "invalid passcode"}
	}
	token := "sandbox-" + uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = sessionID
	s.mu.Unlock()
	return token, nil
}

// CallTool implements Transport.
func (s *SandboxTransport) CallTool(ctx context.Context, call ToolCall) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	s.mu.Lock()
	sessionID, ok := s.tokens[call.Credential]
	s.mu.Unlock()
	if !ok || sessionID != call.SessionID {
		return nil, unauthorized("sandbox credential not recognized")
	}
	payload, ok := sandboxFixtures[call.Method]
	if !ok {
		return nil, &RemoteError{StatusCode: 200, Code: -32601, Message: fmt.Sprintf("unknown tool %q", call.Method)}
	}
	return payload, nil
}

// Revoke invalidates a credential so the next call is rejected as
// unauthorized.
func (s *SandboxTransport) Revoke(credential string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, credential)
}
