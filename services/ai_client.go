package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
)

const (
	TurnUser  = "user"
	TurnModel = "model"

	defaultTemperature = 0.9
	defaultTopP        = 1.0
	defaultMaxTokens   = 2048
	defaultMaxRetries  = 3
	defaultRetryStep   = 2 * time.Second
	maxErrorBody       = 512
)

// Client-facing texts used when the model cannot answer.
const (
	EmptyHistoryText    = "مشکلی در بازیابی تاریخچه مکالمه پیش آمده است."
	UnavailableText     = "متاسفانه در حال حاضر قادر به پاسخگویی نیستم. لطفاً لحظاتی دیگر دوباره تلاش کنید."
	EmptyCompletionText = "پاسخ معتبری از سرویس دریافت نشد."
)

var (
	ErrEmptyHistory    = errors.New("conversation history is empty")
	ErrEmptyCompletion = errors.New("model returned no content")
)

// Turn is one entry of a conversation as sent to the model.
type Turn struct {
	Role string `json:"role"` // "user" or "model"
	Text string `json:"text"`
}

// Generator produces persona replies and free-form completions.
type Generator interface {
	Generate(ctx context.Context, system string, history []Turn) (string, error)
	Complete(ctx context.Context, prompt string, jsonMode bool) (string, error)
}

// UpstreamError is returned once every attempt against the provider failed.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed after %d attempt(s) with status %d: %v", e.Provider, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstream, e.Err}
}

// GenerateOrFallback never fails: errors become the matching apology text.
func GenerateOrFallback(ctx context.Context, g Generator, system string, history []Turn) string {
	reply, err := g.Generate(ctx, system, history)
	if err != nil {
		slog.Warn("Generation failed, using fallback text", "error", err)
		return FallbackText(err)
	}
	return reply
}

// FallbackText picks the apology shown to the user for a generation error.
func FallbackText(err error) string {
	switch {
	case errors.Is(err, ErrEmptyHistory):
		return EmptyHistoryText
	case errors.Is(err, ErrEmptyCompletion):
		return EmptyCompletionText
	default:
		return UnavailableText
	}
}

// normalizeHistory drops leading model turns so the exchange opens on a user turn.
func normalizeHistory(history []Turn) []Turn {
	for i, turn := range history {
		if turn.Role == TurnUser {
			return history[i:]
		}
	}
	return nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// linearBackOff waits attempt × step between tries.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// retryPolicy retries retryable failures up to maxRetries total attempts.
type retryPolicy struct {
	maxRetries int
	step       time.Duration
}

func (p retryPolicy) normalized() retryPolicy {
	if p.maxRetries <= 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.step <= 0 {
		p.step = defaultRetryStep
	}
	return p
}

// run executes op until it succeeds, returns a permanent error, or attempts run out.
func (p retryPolicy) run(ctx context.Context, provider string, op func(attempt int) error) (int, error) {
	p = p.normalized()
	attempts := 0
	wrapped := func() error {
		attempts++
		return op(attempts)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: p.step}, uint64(p.maxRetries-1)), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("AI provider call failed, retrying", "provider", provider, "attempt", attempts, "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(wrapped, bo, notify)
	return attempts, err
}

// statusError is a non-2xx provider response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	retry      retryPolicy
}

func NewOpenAIClient(cfg AIConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		retry:      retryPolicy{maxRetries: cfg.MaxRetries, step: cfg.RetryStep},
	}
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
	TopP           float64         `json:"top_p"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate answers as the persona described by system, continuing history.
func (c *OpenAIClient) Generate(ctx context.Context, system string, history []Turn) (string, error) {
	if len(history) == 0 {
		return "", ErrEmptyHistory
	}
	history = normalizeHistory(history)
	if len(history) == 0 {
		return "", ErrEmptyHistory
	}

	messages := make([]chatMessage, 0, len(history)+1)
	messages = append(messages, chatMessage{Role: "system", Content: system})
	for _, turn := range history {
		role := "user"
		if turn.Role == TurnModel {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Text})
	}

	return c.chat(ctx, "generate", chatRequest{Messages: messages})
}

// Complete sends a single user prompt. In JSON mode the provider is asked for a JSON object.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	req := chatRequest{Messages: []chatMessage{{Role: "user", Content: prompt}}}
	if jsonMode {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return c.chat(ctx, "complete", req)
}

func (c *OpenAIClient) chat(ctx context.Context, op string, req chatRequest) (string, error) {
	req.Model = c.model
	req.Temperature = defaultTemperature
	req.TopP = defaultTopP
	req.MaxTokens = defaultMaxTokens

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode chat request: %w", err)
	}

	start := time.Now()
	var content string
	var lastStatus int
	attempts, err := c.retry.run(ctx, "openai", func(attempt int) error {
		text, status, err := c.post(ctx, payload)
		lastStatus = status
		if err != nil {
			if isRetryableStatus(status) {
				return err
			}
			return backoff.Permanent(err)
		}
		content = text
		return nil
	})
	observeAIRequest("openai", op, err, time.Since(start))
	if err != nil {
		return "", &UpstreamError{Provider: "openai", StatusCode: lastStatus, Attempts: attempts, Err: err}
	}

	if strings.TrimSpace(content) == "" {
		return "", &UpstreamError{Provider: "openai", StatusCode: lastStatus, Attempts: attempts, Err: ErrEmptyCompletion}
	}
	slog.Debug("AI completion received", "op", op, "attempts", attempts, "length", len(content))
	return content, nil
}

func (c *OpenAIClient) post(ctx context.Context, payload []byte) (string, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, &statusError{code: resp.StatusCode, body: truncateUTF8(string(body), maxErrorBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", resp.StatusCode, nil
	}
	return parsed.Choices[0].Message.Content, resp.StatusCode, nil
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for i := 0; i < utf8.UTFMax && len(s) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
