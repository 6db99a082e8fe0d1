package wire

import "fmt"

// Code classifies an Error result so that callers can distinguish conditions
// which warrant backoff (resource exhaustion) from those which warrant
// fail-fast handling (validation) or operator attention (storage faults).
type Code string

const (
	// CodeValidation indicates bad parameters, a missing table or column, or
	// an invalid schema. Retrying without correction will not succeed.
	CodeValidation Code = "VALIDATION"
	// CodeUnknownMethod indicates a method name absent from the dispatch table.
	CodeUnknownMethod Code = "UNKNOWN_METHOD"
	// CodeQueueFull indicates the request queue rejected the request.
	// Callers should back off before retrying.
	CodeQueueFull Code = "QUEUE_FULL"
	// CodeTimeout indicates the caller's wait elapsed before a result was
	// produced. The underlying work may still complete; its result is dropped.
	CodeTimeout Code = "TIMEOUT"
	// CodeConnection indicates a transport-level failure.
	CodeConnection Code = "CONNECTION"
	// CodeStorage indicates an underlying store failure during an operation.
	CodeStorage Code = "STORAGE"
	// CodeTxnNotFound indicates an operation referenced a transaction id
	// which is not active.
	CodeTxnNotFound Code = "TXN_NOT_FOUND"
)

// CodedError is an error carrying a Code, used by driver handlers so that
// every fault crossing the RPC boundary is classified.
type CodedError struct {
	Code Code
	Err  error
}

// Error implements the error interface.
func (e *CodedError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Err) }

// Unwrap returns the wrapped cause.
func (e *CodedError) Unwrap() error { return e.Err }

// NewCodedError returns a CodedError of |code| formatted from |format| and
// |args|.
func NewCodedError(code Code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the Code of |err|, or CodeStorage if it carries none.
// A nil error has no code and CodeOf panics.
func CodeOf(err error) Code {
	if err == nil {
		panic("CodeOf(nil)")
	}
	for {
		if ce, ok := err.(*CodedError); ok {
			return ce.Code
		}
		var u, ok = err.(interface{ Unwrap() error })
		if !ok || u.Unwrap() == nil {
			return CodeStorage
		}
		err = u.Unwrap()
	}
}
