package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// PlaceholderAPIKey is sent as the bearer token to OpenAI-compatible servers
// that require the header but ignore its value.
const PlaceholderAPIKey = "not-needed"

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, truncate(e.Body, 200))
}

// NativeAdapter speaks the Ollama-style /api/chat protocol.
type NativeAdapter struct {
	HTTPClient *http.Client
}

func (a *NativeAdapter) Protocol() Protocol { return ProtocolNative }

type nativeRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type nativeResponse struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (a *NativeAdapter) Attempt(ctx context.Context, req Request) (Response, error) {
	payload := nativeRequest{Model: req.Model, Messages: req.Messages, Stream: false}
	start := time.Now()
	body, err := postJSON(ctx, a.HTTPClient, joinURL(req.BaseURL, "/api/chat"), payload, nil)
	if err != nil {
		return Response{}, err
	}

	var parsed nativeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode native response: %w", err)
	}
	if parsed.Message == nil || parsed.Message.Content == nil {
		return Response{}, fmt.Errorf("native response missing message.content")
	}

	resp := Response{
		RawText:  *parsed.Message.Content,
		Protocol: ProtocolNative,
		Latency:  time.Since(start),
	}
	if total := parsed.PromptEvalCount + parsed.EvalCount; total > 0 {
		resp.Usage = &Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      total,
		}
	}
	return resp, nil
}

// OpenAIAdapter speaks the /v1/chat/completions protocol.
type OpenAIAdapter struct {
	HTTPClient *http.Client
	APIKey     string
}

func (a *OpenAIAdapter) Protocol() Protocol { return ProtocolOpenAI }

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type openAIResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

func (a *OpenAIAdapter) Attempt(ctx context.Context, req Request) (Response, error) {
	key := a.APIKey
	if key == "" {
		key = PlaceholderAPIKey
	}
	payload := openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + key}

	start := time.Now()
	body, err := postJSON(ctx, a.HTTPClient, joinURL(req.BaseURL, "/v1/chat/completions"), payload, headers)
	if err != nil {
		return Response{}, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, fmt.Errorf("decode openai response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("LLM API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil || parsed.Choices[0].Message.Content == nil {
		return Response{}, fmt.Errorf("openai response missing choices[0].message.content")
	}

	return Response{
		RawText:  *parsed.Choices[0].Message.Content,
		Protocol: ProtocolOpenAI,
		Latency:  time.Since(start),
		Usage:    parsed.Usage,
	}, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if client == nil {
		client = http.DefaultClient
	}
	log.Printf("🌐 [LLM] POST %s (payload_bytes=%d)", url, len(data))
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
