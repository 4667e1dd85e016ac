package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed user input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPhoneNumber is returned by Create for a phone number that
	// fails the loose international pattern.
	ErrInvalidPhoneNumber = fmt.Errorf("%w: phone number must be 2-15 digits with an optional leading +", ErrInvalidInput)

	// ErrNoPendingSession is returned when a completion arrives without a
	// pending session for the user, or for a session that was superseded.
	ErrNoPendingSession = errors.New("no pending session")

	// ErrSessionExpired is returned when the pending window elapsed before
	// completion. The record is removed before the error is returned.
	ErrSessionExpired = errors.New("session expired")
)
