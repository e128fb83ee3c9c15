package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/edit"
)

// DomainError is a request-level failure raised by the HTTP layer itself.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details map[string]any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errorBody is the "error" member of every failed response.
type errorBody struct {
	Type        string         `json:"type"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

func mapError(err error) (int, errorBody) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, errorBody{Type: "request", Code: domainErr.Code, Message: domainErr.Message, Details: domainErr.Details}
	}
	if e, ok := edit.AsError(err); ok {
		return statusForEdit(e), errorBody{
			Type:        string(e.Kind),
			Code:        e.Code,
			Message:     e.Message,
			Details:     e.Details,
			Suggestions: e.Suggestions,
		}
	}
	return http.StatusInternalServerError, errorBody{Type: "internal", Code: "SERVER_ERROR", Message: "Server error"}
}

func statusForEdit(e *edit.Error) int {
	switch e.Kind {
	case edit.KindValidation:
		return http.StatusBadRequest
	case edit.KindGuardrails:
		return http.StatusUnprocessableEntity
	case edit.KindProvider:
		if e.Code == edit.CodeProviderTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case edit.KindSessionNotFound:
		return http.StatusNotFound
	case edit.KindSessionStale:
		return http.StatusConflict
	case edit.KindPathResolution:
		if e.Code == edit.CodeVerificationFailed {
			return http.StatusInternalServerError
		}
		return http.StatusUnprocessableEntity
	case edit.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
