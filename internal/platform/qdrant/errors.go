package qdrant

import (
	"fmt"
	"strings"
)

// OperationErrorCode classifies a failed store call so callers can tell a
// retryable transport problem from a request that can never succeed.
type OperationErrorCode string

const (
	OperationErrorValidation        OperationErrorCode = "validation_failed"
	OperationErrorUnsupportedFilter OperationErrorCode = "unsupported_filter"
	OperationErrorEncodeFailed      OperationErrorCode = "encode_failed"
	OperationErrorDecodeFailed      OperationErrorCode = "decode_failed"
	OperationErrorTransportFailed   OperationErrorCode = "transport_failed"
	OperationErrorTimeout           OperationErrorCode = "timeout"
	OperationErrorQueryFailed       OperationErrorCode = "query_failed"
)

// OperationError names the operation that failed, its classification and, for
// HTTP-level failures, the upstream status code.
type OperationError struct {
	Code       OperationErrorCode
	Operation  string
	StatusCode int
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "qdrant operation failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "qdrant operation failed (op=%s code=%s status=%d)", e.Operation, e.Code, e.StatusCode)
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Cause != nil:
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// failOp builds the package error for one operation. The cause stays on the
// chain for errors.Is and errors.As.
func failOp(op string, code OperationErrorCode, cause error, format string, args ...any) error {
	return &OperationError{
		Code:      code,
		Operation: op,
		Message:   fmt.Sprintf(format, args...),
		Cause:     cause,
	}
}
