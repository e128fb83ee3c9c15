// Package llm is the boundary to the language model that proposes edits.
package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

const (
	ErrorCodeNotConfigured = "provider_not_configured"
	ErrorCodeRequestFailed = "provider_request_failed"
	ErrorCodeInvalidReply  = "provider_invalid_reply"
	ErrorCodeTimeout       = "provider_timeout"
)

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderCustom = "custom"
	ProviderGemini = "gemini"
)

// KnownProvider reports whether New can build name.
func KnownProvider(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProviderOpenAI, ProviderCustom, ProviderGemini:
		return true
	}
	return false
}

// New builds the provider cfg.Provider names. An empty name means openai;
// custom is any OpenAI-compatible server and needs a base_url.
func New(cfg Config, client *http.Client, logger *slog.Logger) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		cfg.Provider = ProviderOpenAI
	case ProviderCustom:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "custom provider requires base_url"}
		}
		cfg.Provider = ProviderCustom
	case ProviderGemini:
		p, err := NewGemini(cfg, client, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "unknown provider " + cfg.Provider}
	}
	p, err := NewOpenAICompatible(cfg, client, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Provider turns an instruction plus the editable entries of a document into
// candidate changes. Implementations must honor ctx cancellation.
type Provider interface {
	Name() string
	Model() string
	ProposeChanges(ctx context.Context, entries []model.MapEntry, instruction string) ([]model.ProposedChange, error)
}

// ProviderError is returned for any failure talking to or understanding the
// model.
type ProviderError struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
