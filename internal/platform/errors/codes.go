// Package errors provides structured, machine-readable error handling for
// credential operations.
package errors

import "net/http"

// Code is a machine-readable error code. Codes are stable identifiers and
// appear verbatim in API error payloads as the error kind.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Access token errors
	CodeTokenExpired          Code = "TOKEN_EXPIRED"
	CodeTokenSignatureInvalid Code = "TOKEN_SIGNATURE_INVALID"
	CodeTokenMalformed        Code = "TOKEN_MALFORMED"
	CodeUnknownSigningKey     Code = "UNKNOWN_SIGNING_KEY"

	// Refresh token errors
	CodeUnknownToken Code = "UNKNOWN_TOKEN"
	CodeRefreshReuse Code = "REFRESH_REUSE_DETECTED"

	// Idempotency errors
	CodeIdempotencyKeyConflict Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeIdempotencyInFlight    Code = "IDEMPOTENCY_IN_FLIGHT"

	// Key lifecycle errors
	CodeKeyGeneration Code = "KEY_GENERATION_FAILED"
	CodeNoActiveKey   Code = "NO_ACTIVE_KEY"

	// Request errors
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeInternal Code = "INTERNAL"
)

// HTTPStatus maps domain codes to HTTP status codes. Client-caused failures
// map to 4xx; configuration and infrastructure failures map to 5xx.
func (c Code) HTTPStatus() int {
	switch c {
	// Unauthorized - credential is rejected for this request
	case CodeTokenExpired,
		CodeTokenSignatureInvalid,
		CodeTokenMalformed,
		CodeUnknownSigningKey,
		CodeUnknownToken,
		CodeRefreshReuse,
		CodeInvalidCredentials:
		return http.StatusUnauthorized

	// Conflict - client reused an idempotency key for a different request
	case CodeIdempotencyKeyConflict,
		CodeIdempotencyInFlight:
		return http.StatusConflict

	// Bad request - validation failures, malformed input
	case CodeInvalidArgument:
		return http.StatusBadRequest

	// Not found
	case CodeNotFound:
		return http.StatusNotFound

	// Server-side failures - key material cannot be produced or located
	case CodeKeyGeneration, CodeNoActiveKey, CodeInternal:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}
