// Package provider talks to the third-party financial data provider.
//
// The provider exposes a single JSON-RPC endpoint. A login handshake
// (auth/login then auth/verify) yields a bearer credential that authorizes
// subsequent tools/call requests. Every request carries the handshake's
// session id as a correlation header.
package provider

import (
	"context"
	"encoding/json"
)

// Transport is the remote collaborator used by the auth flow and the
// dispatcher. Implementations map failures onto ErrUnauthorized,
// ErrUnavailable or *RemoteError.
type Transport interface {
	// BeginLogin starts the provider login for a phone number and returns
	// the external login URL the user must visit.
	BeginLogin(ctx context.Context, sessionID, phoneNumber string) (string, error)

	// Verify exchanges the passcode shown after login for a credential.
	Verify(ctx context.Context, sessionID, phoneNumber, passcode string) (string, error)

	// CallTool invokes a data operation and returns its payload verbatim.
	CallTool(ctx context.Context, call ToolCall) (json.RawMessage, error)
}
