package authflow

import (
	"fmt"

	"github.com/haasonsaas/fingate/internal/sessions"
)

var (
	// ErrInvalidPasscode is returned for a passcode that is not exactly six
	// ASCII digits. The pending session is left untouched.
	ErrInvalidPasscode = fmt.Errorf("%w: passcode must be exactly 6 digits", sessions.ErrInvalidInput)

	// ErrTooManyAttempts is returned once the provider has rejected too many
	// passcodes for one pending session. The session is removed, so it
	// classifies as an expired session.
	ErrTooManyAttempts = fmt.Errorf("%w: too many passcode attempts", sessions.ErrSessionExpired)
)
