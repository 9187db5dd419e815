package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"dissden/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func errNotFound(what string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", what+" not found", nil)
}

func errForbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errInvalidArgument(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_ARGUMENT", message, details)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func errUnauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// storeError converts store sentinels into domain errors. what names the
// entity a missing row refers to.
func storeError(err error, what string) error {
	var domainErr *DomainError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &domainErr):
		return domainErr
	case errors.Is(err, sql.ErrNoRows):
		return errNotFound(what)
	case errors.Is(err, store.ErrParentMismatch):
		return errInvalidArgument("parent comment belongs to a different post", nil)
	case errors.Is(err, store.ErrDuplicateTitle):
		return errConflict("a den with this title already exists")
	default:
		return err
	}
}
