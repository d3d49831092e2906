package forms

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates a missing schema, submission or attachment.
	ErrNotFound = errors.New("forms: not found")
	// ErrUnauthorized indicates an anonymous actor attempted a privileged operation.
	ErrUnauthorized = errors.New("forms: authentication required")
	// ErrForbidden indicates the actor lacks permission for the target.
	ErrForbidden = errors.New("forms: forbidden")
	// ErrConflict indicates a uniqueness or immutability violation.
	ErrConflict = errors.New("forms: conflict")
	// ErrStorage indicates a blob backend failure.
	ErrStorage = errors.New("forms: blob storage failure")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingBlobStore  = errors.New("blob store is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// ServiceError carries a stable operation.reason code alongside the cause.
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ValidationError enumerates every failing field of a payload or schema definition.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Fields[key])
	}
	return "forms: validation failed (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, exists := e.Fields[field]; exists {
		return
	}
	e.Fields[field] = message
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

// IntegrityError reports a deletion that removed some dependents but could not remove the root.
type IntegrityError struct {
	Operation              string
	Stage                  DeletionState
	Detail                 string
	RemainingSubmissionIDs []string
	RemainingFileIDs       []string
	Err                    error
}

func (e *IntegrityError) Error() string {
	message := fmt.Sprintf("forms: integrity error during %s at %s: %s", e.Operation, e.Stage, e.Detail)
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}
