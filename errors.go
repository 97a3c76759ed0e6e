package main

import (
	"errors"
	"fmt"
)

// TransportError covers network failures and timeouts talking to TextBee.
// It is the only transient error class; callers may retry it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError means the configured API key (or webhook secret) was rejected.
// Not retryable until the credential is reconfigured.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return e.Message
}

// RemoteError is a non-auth 4xx/5xx from the TextBee API. The body is kept
// verbatim for diagnosis.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Body)
}

// ValidationError is caller input the orchestrator rejects before any
// network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// MalformedPayloadError is a webhook payload we could not parse. It is
// acknowledged and dropped, never surfaced to device state.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s", e.Reason)
}

func isTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func isAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func isValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
