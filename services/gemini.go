package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiService is the Gemini implementation of Generator.
type GeminiService struct {
	genaiClient *genai.Client
	model       string
	retry       retryPolicy
}

func NewGeminiService(ctx context.Context, cfg AIConfig) (*GeminiService, error) {
	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	model := cfg.GeminiModel
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiService{
		genaiClient: genaiClient,
		model:       model,
		retry:       retryPolicy{maxRetries: cfg.MaxRetries, step: cfg.RetryStep},
	}, nil
}

// Generate answers as the persona described by system, continuing history.
func (g *GeminiService) Generate(ctx context.Context, system string, history []Turn) (string, error) {
	if len(history) == 0 {
		return "", ErrEmptyHistory
	}
	history = normalizeHistory(history)
	if len(history) == 0 {
		return "", ErrEmptyHistory
	}

	config := g.baseConfig()
	config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)

	return g.generate(ctx, "generate", buildConversationContents(history), config)
}

// Complete sends a single prompt; jsonMode asks for an application/json response.
func (g *GeminiService) Complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	config := g.baseConfig()
	if jsonMode {
		config.ResponseMIMEType = "application/json"
	}
	return g.generate(ctx, "complete", genai.Text(prompt), config)
}

func (g *GeminiService) baseConfig() *genai.GenerateContentConfig {
	temperature := float32(defaultTemperature)
	topP := float32(defaultTopP)
	return &genai.GenerateContentConfig{
		Temperature:     &temperature,
		TopP:            &topP,
		MaxOutputTokens: defaultMaxTokens,
	}
}

func (g *GeminiService) generate(ctx context.Context, op string, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	if g.genaiClient == nil {
		return "", fmt.Errorf("genai client not initialized")
	}

	start := time.Now()
	var response string
	var lastStatus int
	attempts, err := g.retry.run(ctx, "gemini", func(attempt int) error {
		result, err := g.genaiClient.Models.GenerateContent(ctx, g.model, contents, config)
		if err != nil {
			lastStatus = geminiStatus(err)
			if isRetryableStatus(lastStatus) {
				return err
			}
			return backoff.Permanent(err)
		}
		lastStatus = 200
		response = result.Text()
		return nil
	})
	observeAIRequest("gemini", op, err, time.Since(start))
	if err != nil {
		return "", &UpstreamError{Provider: "gemini", StatusCode: lastStatus, Attempts: attempts, Err: err}
	}
	if strings.TrimSpace(response) == "" {
		return "", &UpstreamError{Provider: "gemini", StatusCode: lastStatus, Attempts: attempts, Err: ErrEmptyCompletion}
	}

	slog.Debug("Gemini response generated", "op", op, "attempts", attempts, "response_length", len(response))
	return response, nil
}

// geminiStatus extracts the HTTP status of a genai API error, or 0.
func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}

func buildConversationContents(history []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		// Skip empty or whitespace-only content
		if strings.TrimSpace(turn.Text) == "" {
			continue
		}

		if turn.Role == TurnModel {
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleModel))
		} else {
			contents = append(contents, genai.NewContentFromText(turn.Text, genai.RoleUser))
		}
	}
	return contents
}
