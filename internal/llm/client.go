package llm

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"
)

// Defaults matching what local Ollama / vLLM servers expect.
const (
	DefaultAttemptTimeout = 300 * time.Second
	DefaultMaxTokens      = 4096
	DefaultTemperature    = 0.2
)

// UsageRecorder receives token counts after a successful call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, protocol Protocol, usage Usage)
}

// Config controls a Client.
type Config struct {
	// AttemptTimeout bounds each protocol attempt. Zero means DefaultAttemptTimeout.
	AttemptTimeout time.Duration
	MaxTokens      int
	Temperature    float64
	// APIKey is sent as the bearer token for the OpenAI-compatible protocol.
	APIKey string
	// Adapters overrides the protocol order. Nil means native then OpenAI-compatible.
	Adapters []Adapter
	Usage    UsageRecorder
}

// Client sends a chat request, trying each protocol adapter in order until
// one succeeds. It holds no per-request state and is safe for concurrent use.
type Client struct {
	adapters       []Adapter
	attemptTimeout time.Duration
	maxTokens      int
	temperature    float64
	usage          UsageRecorder
}

// NewClient applies defaults and, unless adapters are supplied, wires the
// native and OpenAI-compatible protocols over a shared transport.
func NewClient(cfg Config) *Client {
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}

	adapters := cfg.Adapters
	if len(adapters) == 0 {
		httpClient := newHTTPClient(timeout)
		adapters = []Adapter{
			&NativeAdapter{HTTPClient: httpClient},
			&OpenAIAdapter{HTTPClient: httpClient, APIKey: cfg.APIKey},
		}
	}

	return &Client{
		adapters:       adapters,
		attemptTimeout: timeout,
		maxTokens:      maxTokens,
		temperature:    temperature,
		usage:          cfg.Usage,
	}
}

// The dial timeout is separate from the per-attempt deadline: it only bounds
// establishing the TCP connection.
func newHTTPClient(timeout time.Duration) *http.Client {
	dialTimeout := 30 * time.Second
	if timeout > dialTimeout {
		dialTimeout = timeout / 2
		if dialTimeout > 60*time.Second {
			dialTimeout = 60 * time.Second
		}
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Send builds the system/user message pair and tries every protocol. It fails
// with *UnreachableError only when all of them failed.
func (c *Client) Send(ctx context.Context, system, user, baseURL, model string) (Response, error) {
	req := Request{
		BaseURL: baseURL,
		Model:   model,
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleUser, Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	unreachable := &UnreachableError{BaseURL: baseURL}
	for _, adapter := range c.adapters {
		resp, err := c.attempt(ctx, adapter, req)
		if err == nil {
			log.Printf("✅ [LLM] %s protocol replied in %v (%d chars)", adapter.Protocol(), resp.Latency, len(resp.RawText))
			if c.usage != nil && resp.Usage != nil {
				c.usage.RecordUsage(ctx, resp.Protocol, *resp.Usage)
			}
			return resp, nil
		}
		log.Printf("⚠️ [LLM] %s protocol failed at %s: %v", adapter.Protocol(), baseURL, err)
		unreachable.Attempts = append(unreachable.Attempts, AttemptError{Protocol: adapter.Protocol(), Err: err})

		// A canceled caller gets no further attempts
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
	}
	return Response{}, unreachable
}

func (c *Client) attempt(ctx context.Context, adapter Adapter, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()
	return adapter.Attempt(ctx, req)
}
