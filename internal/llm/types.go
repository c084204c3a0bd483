// Package llm talks to a local or remote chat model over whichever wire
// protocol the server understands.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Protocol identifies a backend wire format.
type Protocol string

const (
	ProtocolNative Protocol = "native"
	ProtocolOpenAI Protocol = "openai-compatible"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is what every protocol adapter receives.
type Request struct {
	BaseURL     string
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is the reply from whichever protocol succeeded.
type Response struct {
	RawText  string        `json:"raw_text"`
	Protocol Protocol      `json:"protocol"`
	Latency  time.Duration `json:"latency"`
	Usage    *Usage        `json:"usage,omitempty"`
}

// Adapter performs one attempt over a single protocol.
//
// Contract:
// - Attempt must honor ctx cancellation and deadlines.
// - Any failure, including a missing reply field, is returned as an error; no retries.
type Adapter interface {
	Protocol() Protocol
	Attempt(ctx context.Context, req Request) (Response, error)
}

// ErrBackendUnreachable is matched by *UnreachableError.
var ErrBackendUnreachable = errors.New("backend unreachable")

// AttemptError records why one protocol failed.
type AttemptError struct {
	Protocol Protocol
	Err      error
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Protocol, e.Err)
}

func (e AttemptError) Unwrap() error { return e.Err }

// UnreachableError is returned when every protocol failed. Attempts keeps
// every cause in the order the protocols were tried.
type UnreachableError struct {
	BaseURL  string
	Attempts []AttemptError
}

func (e *UnreachableError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("%v at %s (%s)", ErrBackendUnreachable, e.BaseURL, strings.Join(parts, "; "))
}

// Is lets errors.Is(err, ErrBackendUnreachable) match.
func (e *UnreachableError) Is(target error) bool {
	return target == ErrBackendUnreachable
}

// Unwrap exposes the attempt causes to errors.Is / errors.As.
func (e *UnreachableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}

// Last returns the cause of the final attempt.
func (e *UnreachableError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
