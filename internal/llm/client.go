// Package llm is the OpenAI-compatible chat-completion client llm_action
// nodes dispatch through, plus the per-model cost table the orchestrator
// uses to accumulate a run's token spend.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest mirrors the OpenAI chat/completions request body,
// plus the handful of fields the gateway contract adds on top: per-call
// overrides for the model's base URL/API key and an optional forced JSON
// response mode for orchestration_mode nodes.
type CompletionRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`

	// BaseURLOverride and APIKeyOverride, when set, take precedence over
	// the client's configured defaults for this call only — used when a
	// procedure's llm_action node names a model hosted behind a
	// different gateway than the orchestrator's default provider.
	BaseURLOverride string            `json:"-"`
	APIKeyOverride  string            `json:"-"`
	ExtraHeaders    map[string]string `json:"-"`
}

// CompletionResponse is the normalized result of a completion call.
type CompletionResponse struct {
	Content          string
	Model            string
	FinishReason     string
	PromptTokens     int64
	CompletionTokens int64
}

// Client dispatches chat completions against an OpenAI-compatible
// endpoint. One Client is shared across all llm_action nodes in a
// worker process; per-call overrides let individual nodes target a
// different model/gateway without constructing a new client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New constructs a Client with the orchestrator's default gateway
// configuration. baseURL defaults to the public OpenAI API when empty.
func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete issues one chat/completions call and returns the first
// choice's content plus token usage for cost accounting.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	baseURL := c.baseURL
	if req.BaseURLOverride != "" {
		baseURL = req.BaseURLOverride
	}
	apiKey := c.apiKey
	if req.APIKeyOverride != "" {
		apiKey = req.APIKeyOverride
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range req.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call completions endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completions endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("completion response had no choices")
	}

	return &CompletionResponse{
		Content:          parsed.Choices[0].Message.Content,
		Model:             parsed.Model,
		FinishReason:     parsed.Choices[0].FinishReason,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}
