package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OpenAIProvider talks to a chat-completions-style streaming HTTP backend.
// Grounded on frameworks/pkg/llm's OpenAIProvider and on the reference
// streaming_agent.py's call_server, including its connection-retry policy
// (SPEC_FULL.md §C.1): transient connection failures are retried with
// exponential backoff before surfacing BackendUnavailable; a non-OK HTTP
// status is never retried.
type OpenAIProvider struct {
	client          *http.Client
	baseURL         string
	apiKey          string
	model           string
	maxRetries      uint64
	retryBaseDelay  time.Duration
}

// NewOpenAIProvider constructs a client bound to one backend + model pair.
func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		client:         &http.Client{Timeout: timeout},
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		model:          model,
		maxRetries:     3,
		retryBaseDelay: time.Second,
	}
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, cfg GenerationConfig) (Stream, error) {
	reqBody := chatRequest{
		Model:           p.model,
		Messages:        messages,
		Stream:          true,
		Temperature:     cfg.Temperature,
		TopP:            cfg.TopP,
		PresencePenalty: cfg.PresencePenalty,
		MaxTokens:       cfg.MaxTokens,
		Stop:            cfg.StopTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	var resp *http.Response
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.retryBaseDelay),
		backoff.WithMaxInterval(30*time.Second),
	), p.maxRetries)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("llm: build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		r, doErr := p.client.Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			// Connection-level failures are retried; see SPEC_FULL.md §C.1.
			return doErr
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ErrBackendUnavailable{Cause: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &ErrBackendError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return newSSEStream(resp, decodeChatChunk), nil
}

type chatRequest struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Stream          bool      `json:"stream"`
	Temperature     float64   `json:"temperature,omitempty"`
	TopP            float64   `json:"top_p,omitempty"`
	PresencePenalty float64   `json:"presence_penalty,omitempty"`
	MaxTokens       int       `json:"max_tokens,omitempty"`
	Stop            []string  `json:"stop,omitempty"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func decodeChatChunk(data []byte) (Delta, bool, error) {
	var payload chatStreamResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return Delta{}, false, fmt.Errorf("llm: decode chunk: %w", err)
	}
	if len(payload.Choices) == 0 {
		return Delta{}, false, nil
	}
	content := payload.Choices[0].Delta.Content
	if content == "" {
		return Delta{}, false, nil
	}
	return Delta{Content: content}, true, nil
}
