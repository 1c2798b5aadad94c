package app

import (
	"errors"
	"fmt"
	"net/http"

	"raidboard/api/internal/raid"
)

// Error codes returned in the "code" field of JSON error bodies.
const (
	CodeInvalidBody      = "INVALID_BODY"
	CodeInvalidProject   = "INVALID_PROJECT"
	CodeValidation       = "VALIDATION_ERROR"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeVersionRequired  = "VERSION_REQUIRED"
	CodeEnrichmentBusy   = "ENRICHMENT_BUSY"
	CodeNotFound         = "NOT_FOUND"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeServerError      = "SERVER_ERROR"
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

func errProjectRequired() *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidProject, "project id is required", nil)
}

func errVersionRequired() *DomainError {
	return domainError(http.StatusPreconditionRequired, CodeVersionRequired, "If-Match header is required", nil)
}

func errEnrichmentBusy() *DomainError {
	return domainError(http.StatusConflict, CodeEnrichmentBusy, "Enrichment is already running for this item", nil)
}

func fieldDetails(field raid.Field) any {
	if field == "" {
		return nil
	}
	return map[string]any{"field": string(field)}
}

// asDomainError translates store and validation errors into their HTTP
// form. Anything unrecognized becomes a 500 without leaking its message.
func asDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var validation *raid.ValidationError
	if errors.As(err, &validation) {
		return domainError(http.StatusUnprocessableEntity, CodeValidation, validation.Message, fieldDetails(validation.Field))
	}
	switch {
	case errors.Is(err, raid.ErrConflict):
		return domainError(http.StatusPreconditionFailed, CodeVersionConflict, "Item was changed by someone else", nil)
	case errors.Is(err, raid.ErrNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
	return domainError(http.StatusInternalServerError, CodeServerError, "Server error", nil)
}
