// Package llm calls OpenAI-compatible chat-completion endpoints to turn a
// conversation excerpt into a short title.
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
)

// SystemPrompt is the naming instruction sent with every title request.
const SystemPrompt = "Write a concise title (max 15 characters) for the latest turn of this conversation. " +
	"Focus on what the user asked; use the assistant reply only as context. " +
	"Return ONLY the title, no quotes."

const maxTokens = 30

// ErrRateLimited matches any RateLimitError with errors.Is.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError is returned when the endpoint answers HTTP 429.
type RateLimitError struct {
	Model string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("model %s: rate limited (HTTP 429)", e.Model)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Endpoint is one OpenAI-compatible target.
type Endpoint struct {
	BaseURL string
	APIKey  string // optional, sent as a Bearer token
	Model   string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client performs title requests. The zero value uses http.DefaultClient.
type Client struct {
	HTTP *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c == nil || c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

// GenerateTitle posts text to {BaseURL}/chat/completions and returns the raw
// content of the first choice. Cleanup of the returned text is left to the
// caller.
func (c *Client) GenerateTitle(ctx context.Context, ep Endpoint, text string) (string, error) {
	reqBody := chatRequest{
		Model: ep.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens: maxTokens,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(ep.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return "", &RateLimitError{Model: ep.Model}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("completion returned HTTP %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", errors.New("completion response has no choices")
	}
	content := strings.TrimSpace(result.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("completion response is empty")
	}
	return content, nil
}
