package api

import "fmt"

// ErrorInfo is the stable, serializable failure record carried by failed
// executions, jobs, and step results. Code values are drawn from the
// constants below for engine-originated failures; handlers supply their own
type ErrorInfo struct {
	Details map[string]any `json:"details,omitempty"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
}

// Configuration errors
const (
	CodeFlowNotFound         = "FLOW_NOT_FOUND"
	CodeStepNotFound         = "STEP_NOT_FOUND"
	CodeHandlerNotFound      = "HANDLER_NOT_FOUND"
	CodePipeValidationFailed = "PIPE_VALIDATION_FAILED"
)

// Input errors
const (
	CodeInputKeyMissing         = "INPUT_KEY_MISSING"
	CodeInputPathMissing        = "INPUT_PATH_MISSING"
	CodeInputTemplateUnresolved = "INPUT_TEMPLATE_UNRESOLVED"
	CodeContextKeyLimit         = "CONTEXT_KEY_LIMIT"
	CodeContextSizeLimit        = "CONTEXT_SIZE_LIMIT"
	CodeContextDepthLimit       = "CONTEXT_DEPTH_LIMIT"
)

// State errors
const (
	CodeInvalidExecutionState = "INVALID_EXECUTION_STATE"
	CodeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	CodeLockContention        = "LOCK_CONTENTION"
	CodeMaxStepsExceeded      = "MAX_STEPS_EXCEEDED"
)

// Time errors
const (
	CodeExecutionTimeout = "EXECUTION_TIMEOUT"
	CodeWaitTimeout      = "WAIT_TIMEOUT"
	CodeStepTimeout      = "STEP_TIMEOUT"
)

// Token errors
const (
	CodeTokenNotFound    = "TOKEN_NOT_FOUND"
	CodeTokenAlreadyUsed = "TOKEN_ALREADY_USED"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenRevoked     = "TOKEN_REVOKED"
)

// Job errors
const (
	CodeJobStalled          = "JOB_STALLED"
	CodeJobExceededAttempts = "JOB_EXCEEDED_ATTEMPTS"
	CodeNoHandler           = "NO_HANDLER"
)

// CodeInternal covers handler errors that are neither a failure result
// nor a recognized engine condition
const CodeInternal = "INTERNAL"

// NewError creates an ErrorInfo with the given code and message
func NewError(code, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: message}
}

// Errorf creates an ErrorInfo with a formatted message
func Errorf(code, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail data to the error
func (e *ErrorInfo) WithDetails(details map[string]any) *ErrorInfo {
	e.Details = details
	return e
}

// Error implements the error interface so ErrorInfo can flow through
// standard error plumbing
func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
