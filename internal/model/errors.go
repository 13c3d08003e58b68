// internal/model/errors.go
package model

import "errors"

// Sentinel errors distinguishing failure categories across layers. Callers
// match with errors.Is; handler layers map them to HTTP status codes.
var (
	// ErrConnectionFailure covers port open failures and lost links
	ErrConnectionFailure = errors.New("connection failure")

	// ErrWriteFailure covers write errors on an open port
	ErrWriteFailure = errors.New("write failure")

	// ErrSessionNotFound is returned when a session ID is unknown
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotConnected is returned for operations requiring a live link
	ErrSessionNotConnected = errors.New("session not connected")

	// ErrVendorUnsupportedOperation is returned when a vendor dialect has no
	// command for a requested operation
	ErrVendorUnsupportedOperation = errors.New("operation not supported by vendor")

	// ErrPersistenceFailure covers database write failures
	ErrPersistenceFailure = errors.New("persistence failure")
)
