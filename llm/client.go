// Package llm talks to an OpenAI-compatible chat completions endpoint and
// keeps the per-speaker conversation history replies are generated from.
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

	"github.com/discord-voice-lab/voicemimic/internal/logging"
)

type Client struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	// MaxTokensCap clamps any request's max_tokens.
	MaxTokensCap int
	HTTP         *http.Client
	// FallbackDelay is the pause before retrying with FallbackModel.
	FallbackDelay time.Duration
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	Temperature      float64   `json:"temperature,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
}

type ChatResponse struct {
	ID      string `json:"id,omitempty"`
	Model   string `json:"model,omitempty"`
	Content string `json:"content,omitempty"`
}

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
	// ErrQuota marks an insufficient_quota response. It wraps ErrPermanent.
	ErrQuota = fmt.Errorf("%w: insufficient quota", ErrPermanent)
)

func NewClient(baseURL, apiKey, model, fallback string) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000/v1"
	}
	return &Client{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		APIKey:        apiKey,
		Model:         model,
		FallbackModel: fallback,
		MaxTokensCap:  4000,
		HTTP:          &http.Client{Timeout: 20 * time.Second},
		FallbackDelay: 250 * time.Millisecond,
	}
}

// CreateChatCompletion sends req. Transient failures are retried once with
// FallbackModel when it differs from the model used.
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.Model
	}
	if req.Model == "" {
		req.Model = "local"
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 512
	}
	if c.MaxTokensCap > 0 && req.MaxTokens > c.MaxTokensCap {
		req.MaxTokens = c.MaxTokensCap
	}

	resp, err := c.do(ctx, req)
	if err != nil && errors.Is(err, ErrTransient) && c.FallbackModel != "" && c.FallbackModel != req.Model {
		logging.WarnwCtx(ctx, "llm: primary model failed, trying fallback", "model", req.Model, "fallback", c.FallbackModel, "err", err)
		t := time.NewTimer(c.FallbackDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		case <-t.C:
		}
		req.Model = c.FallbackModel
		return c.do(ctx, req)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out struct {
			ID      string `json:"id"`
			Choices []struct {
				Message Message `json:"message"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return ChatResponse{}, fmt.Errorf("%w: decode error: %v", ErrTransient, err)
		}
		content := ""
		if len(out.Choices) > 0 {
			content = strings.TrimSpace(out.Choices[0].Message.Content)
		}
		return ChatResponse{ID: out.ID, Model: req.Model, Content: content}, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &apiErr)
	if apiErr.Error.Code == "insufficient_quota" || apiErr.Error.Type == "insufficient_quota" {
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrQuota, resp.StatusCode)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return ChatResponse{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	return ChatResponse{}, fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
}
