package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"angira/api/internal/auth"
	"angira/api/internal/chat"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if chatErr, ok := chat.AsError(err); ok {
		switch chatErr.Kind {
		case chat.KindNotFound:
			return http.StatusNotFound, "NOT_FOUND", chatErr.Message, nil
		case chat.KindValidation:
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", chatErr.Message, nil
		}
	}
	if auth.IsAuthError(err) {
		return http.StatusUnauthorized, "UNAUTHORIZED", auth.Message(err), nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
