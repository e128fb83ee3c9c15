package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 2 * 1024 * 1024

// withRetries runs call until it succeeds, fails with a non-retryable error,
// or runs out of attempts. The delay doubles after each retry.
func withRetries(ctx context.Context, cfg Config, logger *slog.Logger, sleep func(context.Context, time.Duration) error, call func(context.Context) (string, error)) (string, error) {
	var lastErr error
	delay := cfg.RetryDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying provider request", "attempt", attempt, "err", lastErr)
			if err := sleep(ctx, delay); err != nil {
				return "", timeoutOr(err, lastErr)
			}
			delay *= 2
		}
		text, err := call(ctx)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var pe *ProviderError
		if ctx.Err() != nil || !errors.As(err, &pe) || !pe.Retryable {
			break
		}
	}
	if ctx.Err() != nil {
		return "", timeoutOr(ctx.Err(), lastErr)
	}
	return "", lastErr
}

// postJSON sends one request bounded by cfg.Timeout and returns the body of a
// 2xx reply. Configured headers are applied after auth so they can override it.
func postJSON(ctx context.Context, client *http.Client, cfg Config, url string, auth map[string]string, body []byte) ([]byte, error) {
	requestCtx := ctx
	cancel := func() {}
	if cfg.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to create provider request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range auth {
		req.Header.Set(key, value)
	}
	for key, value := range cfg.Headers {
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(value)
		if k == "" || v == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProviderError{Code: ErrorCodeTimeout, Message: "provider request timed out", Retryable: ctx.Err() == nil, Err: err}
		}
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "provider request failed", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to read provider response", Retryable: true, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			Code:      ErrorCodeRequestFailed,
			Message:   fmt.Sprintf("provider returned status %d", resp.StatusCode),
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError,
		}
	}
	return respBody, nil
}

func timeoutOr(ctxErr, last error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &ProviderError{Code: ErrorCodeTimeout, Message: "provider request timed out", Err: ctxErr}
	}
	if last != nil {
		return last
	}
	return &ProviderError{Code: ErrorCodeRequestFailed, Message: "provider request cancelled", Err: ctxErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
