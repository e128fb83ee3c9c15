package edit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/guardrails"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/llm"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/session"
)

// Kind classifies a workflow failure.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindGuardrails       Kind = "guardrails"
	KindProvider         Kind = "provider"
	KindSessionNotFound  Kind = "session_not_found"
	KindSessionStale     Kind = "session_stale"
	KindPathResolution   Kind = "path_resolution"
	KindStoreUnavailable Kind = "store_unavailable"
)

// Stable error codes surfaced to callers.
const (
	CodeInvalidDocument       = "INVALID_DOCUMENT"
	CodeDocumentTooDeep       = "DOCUMENT_TOO_DEEP"
	CodeNoEditableContent     = "NO_EDITABLE_CONTENT"
	CodeInvalidSessionID      = "INVALID_SESSION_ID"
	CodeInvalidChangeIDs      = "INVALID_CHANGE_IDS"
	CodeProviderError         = "PROVIDER_ERROR"
	CodeProviderTimeout       = "PROVIDER_TIMEOUT"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeDocumentStateMismatch = "DOCUMENT_STATE_MISMATCH"
	CodeInvalidPath           = "INVALID_PATH"
	CodeNoChangesApplied      = "NO_CHANGES_APPLIED"
	CodeVerificationFailed    = "CHANGE_VERIFICATION_FAILED"
	CodeStoreUnavailable      = "SESSION_STORE_UNAVAILABLE"
)

// Error is the single failure type returned by the workflow.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Details     map[string]any
	Suggestions []string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a workflow error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func fail(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *Error) with(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) suggest(s ...string) *Error {
	e.Suggestions = append(e.Suggestions, s...)
	return e
}

func guardrailsError(err error) *Error {
	rej, ok := guardrails.IsRejection(err)
	if !ok {
		return fail(KindGuardrails, "GUARDRAILS_ERROR", err.Error(), err)
	}
	e := fail(KindGuardrails, rej.Code, rej.Message, err)
	if len(rej.BlockedIDs) > 0 {
		e.with("blocked_changes", rej.BlockedIDs)
	}
	if len(rej.Warnings) > 0 {
		e.with("warnings", rej.Warnings)
	}
	switch rej.Code {
	case guardrails.CodeTooManyChanges:
		e.suggest("Make the instruction more specific so fewer values change")
	case guardrails.CodeAllChangesBlocked:
		e.suggest("Rephrase the instruction so proposed values match the allowed types")
	case guardrails.CodeInstructionTooLong:
		e.suggest("Shorten the instruction")
	case guardrails.CodeDocumentTooLarge:
		e.suggest("Split the document and edit it in parts")
	}
	return e
}

func mapperError(err error) *Error {
	if errors.Is(err, docmap.ErrTooDeep) {
		return fail(KindValidation, CodeDocumentTooDeep, err.Error(), err).
			suggest("Reduce the nesting depth of the document")
	}
	return fail(KindValidation, CodeInvalidDocument, "Failed to convert document to map format: "+err.Error(), err)
}

func providerError(err error) *Error {
	var pe *llm.ProviderError
	if errors.Is(err, context.DeadlineExceeded) {
		e := fail(KindProvider, CodeProviderTimeout, "The language model did not answer in time", err).
			suggest("Retry the preview", "Try a shorter instruction or a smaller document")
		if errors.As(err, &pe) {
			e.with("provider_code", pe.Code)
		}
		return e
	}
	e := fail(KindProvider, CodeProviderError, "Failed to get proposed changes from the language model: "+err.Error(), err).
		suggest("Retry the preview")
	if errors.As(err, &pe) {
		e.with("provider_code", pe.Code)
		if pe.Status != 0 {
			e.with("provider_status", pe.Status)
		}
	}
	return e
}

func sessionError(id string, err error) *Error {
	var mismatch *session.MismatchError
	switch {
	case errors.As(err, &mismatch):
		return fail(KindSessionStale, CodeDocumentStateMismatch, "Document has been modified since the preview was generated", err).
			with("session_id", mismatch.SessionID).
			with("original_hash", mismatch.StoredHash).
			with("current_hash", mismatch.CurrentHash).
			with("session_created_at", mismatch.CreatedAt.Format(time.RFC3339)).
			suggest("Generate a new preview with the current document", "Make sure the document was not modified between preview and apply")
	case errors.Is(err, session.ErrInvalidID):
		return fail(KindValidation, CodeInvalidSessionID, "Session ID cannot be empty", err)
	case errors.Is(err, session.ErrNotFound):
		return fail(KindSessionNotFound, CodeSessionNotFound, fmt.Sprintf("Session %s not found or has expired", id), err).
			with("session_id", id).
			suggest("Generate a new preview to create a fresh session", "Check that the session ID is correct", "Sessions expire after a period of inactivity")
	default:
		return fail(KindStoreUnavailable, CodeStoreUnavailable, "Session storage is unavailable", err).
			suggest("Retry the request shortly")
	}
}
