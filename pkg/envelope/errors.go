package envelope

import (
	"fmt"
	"net/http"
)

// Protocol error codes. Protocol errors are faults of the request itself and
// carry a dedicated HTTP status; domain errors travel as HTTP 200.
const (
	CodeInvalidEnvelope        = "INVALID_ENVELOPE"
	CodeUnknownOperation       = "UNKNOWN_OPERATION"
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
	CodeAuthRequired           = "AUTH_REQUIRED"
	CodeInsufficientScopes     = "INSUFFICIENT_SCOPES"
	CodeOperationNotFound      = "OPERATION_NOT_FOUND"
	CodeOperationNotComplete   = "OPERATION_NOT_COMPLETE"
	CodeDataNotFound           = "DATA_NOT_FOUND"
	CodeMethodNotAllowed       = "METHOD_NOT_ALLOWED"
	CodeOpRemoved              = "OP_REMOVED"
	CodeInvalidCursor          = "INVALID_CURSOR"
	CodeRateLimited            = "RATE_LIMITED"
	CodeInternalError          = "INTERNAL_ERROR"
	CodeUnknownState           = "UNKNOWN_STATE"
)

// Error is the wire shape of both protocol and domain errors.
// Zero-information responses are forbidden: code and message are always set.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Cause   map[string]any `json:"cause,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ProtocolError pairs an error body with the HTTP status it must travel on.
// RetryAfter carries the rate-limit window in milliseconds; it is a typed
// field rather than a Cause lookup so it survives any JSON round-trip of the
// cause map.
type ProtocolError struct {
	Status     int
	RetryAfter int64
	Err        Error
}

func (p *ProtocolError) Error() string {
	return p.Err.Error()
}

// RetryAfterMs is non-zero only for RATE_LIMITED errors.
func (p *ProtocolError) RetryAfterMs() int64 {
	return p.RetryAfter
}

// InvalidEnvelope reports a malformed request body or envelope shape.
func InvalidEnvelope(message string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusBadRequest,
		Err:    Error{Code: CodeInvalidEnvelope, Message: message},
	}
}

// UnknownOperation reports an op name the registry does not carry.
func UnknownOperation(op string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusBadRequest,
		Err: Error{
			Code:    CodeUnknownOperation,
			Message: "Unknown operation: " + op,
		},
	}
}

// SchemaIssue is one argument validation failure.
type SchemaIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// SchemaValidationFailed reports argument validation issues in declaration order.
func SchemaValidationFailed(issues []SchemaIssue) *ProtocolError {
	list := make([]any, len(issues))
	for i, iss := range issues {
		list[i] = map[string]any{"path": iss.Path, "message": iss.Message}
	}
	return &ProtocolError{
		Status: http.StatusBadRequest,
		Err: Error{
			Code:    CodeSchemaValidationFailed,
			Message: fmt.Sprintf("arguments failed schema validation (%d issue(s))", len(issues)),
			Cause:   map[string]any{"issues": list},
		},
	}
}

// AuthRequired reports a missing, malformed, unknown, or expired bearer.
func AuthRequired(message string) *ProtocolError {
	if message == "" {
		message = "Authentication required"
	}
	return &ProtocolError{
		Status: http.StatusUnauthorized,
		Err:    Error{Code: CodeAuthRequired, Message: message},
	}
}

// InsufficientScopes reports the scopes the token lacks, in the order the
// operation declares them.
func InsufficientScopes(missing []string) *ProtocolError {
	list := make([]any, len(missing))
	for i, s := range missing {
		list[i] = s
	}
	return &ProtocolError{
		Status: http.StatusForbidden,
		Err: Error{
			Code:    CodeInsufficientScopes,
			Message: "Token is missing required scopes",
			Cause:   map[string]any{"missing": list},
		},
	}
}

// PolicyDenied reports a false verdict from an operation's authorization policy.
func PolicyDenied(op string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusForbidden,
		Err: Error{
			Code:    CodeInsufficientScopes,
			Message: "Authorization policy denied the request",
			Cause:   map[string]any{"policy": op},
		},
	}
}

// OperationNotFound reports an absent or expired operation instance.
func OperationNotFound(requestID string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusNotFound,
		Err: Error{
			Code:    CodeOperationNotFound,
			Message: "No operation instance for id " + requestID,
		},
	}
}

// OperationNotComplete reports a chunk read against a non-terminal instance.
func OperationNotComplete(requestID string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusNotFound,
		Err: Error{
			Code:    CodeOperationNotComplete,
			Message: "Operation " + requestID + " has not completed",
		},
	}
}

// DataNotFound reports a completed instance whose result data is gone.
func DataNotFound(requestID string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusNotFound,
		Err: Error{
			Code:    CodeDataNotFound,
			Message: "No result data for operation " + requestID,
		},
	}
}

// MethodNotAllowed reports a disallowed HTTP method.
func MethodNotAllowed(method string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusMethodNotAllowed,
		Err: Error{
			Code:    CodeMethodNotAllowed,
			Message: "Method " + method + " is not allowed on this endpoint",
		},
	}
}

// OpRemoved reports a call to a deprecated operation past its sunset date.
func OpRemoved(op, sunset, replacement string) *ProtocolError {
	cause := map[string]any{"removedOp": op, "sunset": sunset}
	if replacement != "" {
		cause["replacement"] = replacement
	}
	return &ProtocolError{
		Status: http.StatusGone,
		Err: Error{
			Code:    CodeOpRemoved,
			Message: fmt.Sprintf("Operation %s was removed on %s", op, sunset),
			Cause:   cause,
		},
	}
}

// InvalidCursor reports a cursor that is not a chunk index within range.
func InvalidCursor(cursor string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusBadRequest,
		Err: Error{
			Code:    CodeInvalidCursor,
			Message: fmt.Sprintf("Invalid cursor %q", cursor),
		},
	}
}

// RateLimited reports a poll inside the rate-limit window.
func RateLimited(retryAfterMs int64) *ProtocolError {
	return &ProtocolError{
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfterMs,
		Err: Error{
			Code:    CodeRateLimited,
			Message: "Rate limit exceeded. Retry after the indicated interval.",
			Cause:   map[string]any{"retryAfterMs": retryAfterMs},
		},
	}
}

// Internal reports an unclassified server-side failure. The underlying error
// is for logging only and never reaches the client.
func Internal() *ProtocolError {
	return &ProtocolError{
		Status: http.StatusInternalServerError,
		Err: Error{
			Code:    CodeInternalError,
			Message: "An unexpected error occurred",
		},
	}
}

// UnknownStateErr reports a persisted instance state outside the grammar.
func UnknownStateErr(state string) *ProtocolError {
	return &ProtocolError{
		Status: http.StatusInternalServerError,
		Err: Error{
			Code:    CodeUnknownState,
			Message: fmt.Sprintf("Instance is in unknown state %q", state),
		},
	}
}

// DomainError is a handler-produced business failure. It travels as HTTP 200
// with state=error; the core transports it without interpretation.
type DomainError struct {
	Code    string
	Message string
	Cause   map[string]any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Wire converts the domain error to its envelope shape.
func (e *DomainError) Wire() *Error {
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause}
}

// NewDomainError builds a typed domain-error carrier for handlers to raise.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}
