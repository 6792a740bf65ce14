package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// OperationError records which step of a request failed and, for retried
// side-channel calls, how many attempts were made.
type OperationError struct {
	Operation string
	RequestID string
	Attempts  int
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	switch {
	case e.RequestID != "" && e.Attempts > 1:
		return fmt.Sprintf("%s (request_id=%s, attempts=%d): %v", e.Operation, e.RequestID, e.Attempts, e.Err)
	case e.RequestID != "":
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	case e.Attempts > 1:
		return fmt.Sprintf("%s (attempts=%d): %v", e.Operation, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Operation, e.Err)
	}
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation it failed in. A nil err
// stays nil.
func NewOperationError(operation, requestID string, err error) error {
	return NewRetryError(operation, requestID, 1, err)
}

// NewRetryError is NewOperationError for calls that were attempted more
// than once.
func NewRetryError(operation, requestID string, attempts int, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Attempts: attempts, Err: err}
}

// ErrorFields flattens err into log fields, lifting operation context out
// of the first OperationError in the chain.
func ErrorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		return fields
	}
	fields = append(fields, zap.String("failed_operation", opErr.Operation))
	if opErr.RequestID != "" {
		fields = append(fields, zap.String("request_id", opErr.RequestID))
	}
	if opErr.Attempts > 1 {
		fields = append(fields, zap.Int("attempts", opErr.Attempts))
	}
	return fields
}
