package blaze

import (
	"errors"
	"fmt"
)

// Server and local error codes.
const (
	CodeBadRequest       = 400
	CodeUnauthorized     = 401
	CodeForbidden        = 403
	CodeNotFound         = 404
	CodeTooManyRequests  = 429
	CodeServerError      = 500
	CodeBadData          = 10002
	CodeChecksumInvalid  = 20140
	CodeTimeout          = -1 // synthesized when no reply arrives in time
	CodeNotConnected     = -2
	CodeInvalidLocalData = -3
)

// Error is the error object of an envelope or API response.
type Error struct {
	Status      int    `json:"status"`
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("blaze error %d (status %d): %s", e.Code, e.Status, e.Description)
}

// Is matches another *Error by code, so errors.Is(err, ErrTimeout) works on
// copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrTimeout      = &Error{Status: 500, Code: CodeTimeout, Description: "request timed out"}
	ErrNotConnected = &Error{Status: 500, Code: CodeNotConnected, Description: "not connected"}
	ErrInvalidLocal = &Error{Status: 400, Code: CodeInvalidLocalData, Description: "invalid local data"}
)

// Fault is the handling class of an error.
type Fault int

const (
	// FaultTransport is retried after connectivity returns.
	FaultTransport Fault = iota
	// FaultAuthorization stops the owning loop until re-login.
	FaultAuthorization
	// FaultPermission is a terminal success for delivery purposes.
	FaultPermission
	// FaultConflict triggers one checksum resync and retry.
	FaultConflict
	// FaultPermanent drops the work and reports it.
	FaultPermanent
	// FaultValidation never reaches the wire and is reported immediately.
	FaultValidation
)

func (f Fault) String() string {
	switch f {
	case FaultTransport:
		return "transport"
	case FaultAuthorization:
		return "authorization"
	case FaultPermission:
		return "permission"
	case FaultConflict:
		return "conflict"
	case FaultPermanent:
		return "permanent"
	case FaultValidation:
		return "validation"
	}
	return "unknown"
}

// Classify maps err onto a Fault. Errors without a blaze code count
// as transport faults so the work is kept and retried with backoff.
func Classify(err error) Fault {
	if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrInvalidLocal) {
		return FaultValidation
	}

	var be *Error
	if errors.As(err, &be) {
		switch {
		case be.Code == CodeUnauthorized:
			return FaultAuthorization
		case be.Code == CodeForbidden:
			return FaultPermission
		case be.Code == CodeChecksumInvalid:
			return FaultConflict
		case be.Code == CodeTimeout, be.Code == CodeNotConnected,
			be.Code == CodeTooManyRequests, be.Code >= 500 && be.Code < 600:
			return FaultTransport
		default:
			return FaultPermanent
		}
	}

	return FaultTransport
}

// IsCode reports whether err is a blaze *Error with the given code.
func IsCode(err error, code int) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}
