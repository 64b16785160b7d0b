package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ValidationError struct {
	Field   string
	Msg     string
	Details []FieldError
}

func (e ValidationError) Error() string {
	switch {
	case e.Msg != "" && e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Field != "":
		return fmt.Sprintf("invalid %s", e.Field)
	default:
		return "validation failed"
	}
}

type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

type ConflictError struct {
	Resource string
	Msg      string
}

func (e ConflictError) Error() string {
	switch {
	case e.Msg != "" && e.Resource != "":
		return fmt.Sprintf("%s conflict: %s", e.Resource, e.Msg)
	case e.Msg != "":
		return e.Msg
	case e.Resource != "":
		return fmt.Sprintf("%s conflict", e.Resource)
	default:
		return "conflict"
	}
}

// DependencyError wraps a failure of the store, broker or channel layer.
type DependencyError struct {
	Op  string
	Err error
}

func (e DependencyError) Error() string {
	if e.Err == nil {
		return e.Op + ": dependency failure"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e DependencyError) Unwrap() error { return e.Err }

func NotFound(resource string) error { return NotFoundError{Resource: resource} }

func Invalid(field, msg string) error { return ValidationError{Field: field, Msg: msg} }

func Conflict(resource, msg string) error { return ConflictError{Resource: resource, Msg: msg} }

// Dependency wraps err as a DependencyError unless it is nil or already
// classified.
func Dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsValidation(err) || IsConflict(err) || IsDependency(err) {
		return err
	}
	return DependencyError{Op: op, Err: err}
}

// Partial reports an operation that committed its primary write but failed
// some follow-up steps. It is always a DependencyError, whatever the steps
// failed with.
func Partial(op string, errs ...error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	return DependencyError{Op: op, Err: joined}
}

func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target ConflictError
	return errors.As(err, &target)
}

func IsDependency(err error) bool {
	var target DependencyError
	return errors.As(err, &target)
}

// Status maps an error to the HTTP status the API reports for it.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case isPartial(err):
		return http.StatusInternalServerError
	case IsValidation(err):
		return http.StatusUnprocessableEntity
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func isPartial(err error) bool {
	_, ok := err.(DependencyError)
	return ok
}
