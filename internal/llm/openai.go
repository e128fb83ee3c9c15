package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// Config describes the model endpoint. Provider selects the wire format, see
// New.
type Config struct {
	Provider    string            `yaml:"provider"`
	BaseURL     string            `yaml:"base_url"`
	APIKey      string            `yaml:"api_key"`
	Model       string            `yaml:"model"`
	Timeout     time.Duration     `yaml:"timeout"`
	MaxRetries  int               `yaml:"max_retries"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Temperature float64           `yaml:"temperature"`
	Headers     map[string]string `yaml:"headers"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// OpenAICompatible talks to any server implementing the chat completions API.
type OpenAICompatible struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewOpenAICompatible(cfg Config, client *http.Client, logger *slog.Logger) (*OpenAICompatible, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "provider api_key is required"}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "provider model is required"}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderOpenAI
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompatible{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With("component", "llm", "provider", cfg.Provider),
		sleep:      sleepCtx,
	}, nil
}

func (p *OpenAICompatible) Name() string  { return p.cfg.Provider }
func (p *OpenAICompatible) Model() string { return p.cfg.Model }

// ProposeChanges asks the model for edits, retrying transient failures with
// exponential backoff.
func (p *OpenAICompatible) ProposeChanges(ctx context.Context, entries []model.MapEntry, instruction string) ([]model.ProposedChange, error) {
	payload := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(entries, instruction)},
		},
		Temperature:    p.cfg.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to encode provider request", Err: err}
	}

	text, err := withRetries(ctx, p.cfg, p.logger, p.sleep, func(ctx context.Context) (string, error) {
		return p.complete(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	changes, skipped, perr := ParseReply(text)
	for _, s := range skipped {
		p.logger.Warn("skipping malformed change", "detail", s)
	}
	return changes, perr
}

func (p *OpenAICompatible) complete(ctx context.Context, body []byte) (string, error) {
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}
	respBody, err := postJSON(ctx, p.httpClient, p.cfg, p.cfg.BaseURL+"/chat/completions", headers, body)
	if err != nil {
		return "", err
	}

	var completion chatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response is not valid json", Err: err}
	}
	if len(completion.Choices) == 0 {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response has no choices"}
	}
	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response has empty content"}
	}
	return text, nil
}
