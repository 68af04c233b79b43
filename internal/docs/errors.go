package docs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a document, branch, or merge request does not exist.
	ErrNotFound = errors.New("docs: not found")
	// ErrNotAuthorized indicates that the acting user may not perform the operation.
	ErrNotAuthorized = errors.New("docs: not authorized")
	// ErrInvalidTransition indicates an operation that does not apply in the
	// target's current lifecycle state.
	ErrInvalidTransition = errors.New("docs: invalid lifecycle transition")
	// ErrReconciliationFailed indicates that the generative reconciler could
	// not produce a merged document. Nothing is mutated when it is returned.
	ErrReconciliationFailed = errors.New("docs: reconciliation failed")
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
