package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type geminiRequest struct {
	SystemInstruction geminiContent          `json:"systemInstruction"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Gemini talks to the Google Generative Language generateContent API.
type Gemini struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewGemini(cfg Config, client *http.Client, logger *slog.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "provider api_key is required"}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "provider model is required"}
	}
	cfg.Provider = ProviderGemini
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With("component", "llm", "provider", cfg.Provider),
		sleep:      sleepCtx,
	}, nil
}

func (p *Gemini) Name() string  { return p.cfg.Provider }
func (p *Gemini) Model() string { return p.cfg.Model }

func (p *Gemini) ProposeChanges(ctx context.Context, entries []model.MapEntry, instruction string) ([]model.ProposedChange, error) {
	payload := geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: BuildPrompt(entries, instruction)}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      p.cfg.Temperature,
			ResponseMimeType: "application/json",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to encode provider request", Err: err}
	}

	text, err := withRetries(ctx, p.cfg, p.logger, p.sleep, func(ctx context.Context) (string, error) {
		return p.generate(ctx, body)
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

func (p *Gemini) generate(ctx context.Context, body []byte) (string, error) {
	endpoint := p.cfg.BaseURL + "/models/" + url.PathEscape(p.cfg.Model) + ":generateContent"
	respBody, err := postJSON(ctx, p.httpClient, p.cfg, endpoint, map[string]string{"x-goog-api-key": p.cfg.APIKey}, body)
	if err != nil {
		return "", err
	}

	var reply geminiResponse
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response is not valid json", Err: err}
	}
	if reply.PromptFeedback.BlockReason != "" {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider blocked the prompt: " + reply.PromptFeedback.BlockReason}
	}
	if len(reply.Candidates) == 0 {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response has no candidates"}
	}
	var text strings.Builder
	for _, part := range reply.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response has empty content"}
	}
	return out, nil
}
