package dispatch

import (
	"encoding/json"
	"errors"

	"github.com/haasonsaas/fingate/internal/provider"
)

// Result is the structured outcome of one dispatched call. Failures never
// escape as Go errors; they are carried in Error.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error describes a failed call.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Action    Action `json:"action"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Success wraps a payload.
func Success(data json.RawMessage) *Result {
	return &Result{OK: true, Data: data}
}

// Failure converts err into a failed Result.
func Failure(err error) *Result {
	code := Classify(err)
	return &Result{
		OK: false,
		Error: &Error{
			Code:      code,
			Message:   failureMessage(code, err),
			Retryable: code.Retryable(),
			Action:    code.Action(),
		},
	}
}

// JSON encodes the result. Encoding a Result cannot fail in practice; a
// failure still yields a valid error document.
func (r *Result) JSON() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{"ok":false,"error":{"code":"remote_error","message":"unencodable result"}}`)
	}
	return data
}

// failureMessage is the text surfaced to the model and client. Provider
// domain errors keep the provider's own message.
func failureMessage(code Code, err error) string {
	var remoteErr *provider.RemoteError
	if code == CodeRemoteError && errors.As(err, &remoteErr) {
		return remoteErr.Message
	}
	switch code {
	case CodeAuthenticationRequired:
		return "The user's financial accounts are not linked or the session has ended. Start authentication with initiateAuthentication."
	case CodeNoPendingSession:
		return "There is no login in progress. Start again with initiateAuthentication."
	case CodeSessionExpired:
		if err != nil {
			return err.Error() + ". Start again with initiateAuthentication."
		}
		return "The login session expired. Start again with initiateAuthentication."
	case CodeRemoteUnavailable:
		return "The financial data provider is not reachable right now. Try again shortly."
	}
	if err == nil {
		return string(code)
	}
	return err.Error()
}
