package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"workbench/internal/llm"
)

const usageExpiry = 24 * time.Hour

// UsageTracker keeps daily token counters, overall and per protocol.
type UsageTracker struct {
	client *redis.Client
	now    func() time.Time
}

func NewUsageTracker(client *redis.Client) *UsageTracker {
	return &UsageTracker{client: client, now: time.Now}
}

// DailyUsage is one day's token totals.
type DailyUsage struct {
	Day        string               `json:"day"`
	Prompt     int64                `json:"prompt"`
	Completion int64                `json:"completion"`
	Total      int64                `json:"total"`
	ByProtocol map[string]llm.Usage `json:"by_protocol,omitempty"`
}

func usageKey(day, kind string) string {
	return fmt.Sprintf("token_usage:%s:%s", day, kind)
}

func protocolUsageKey(day string, protocol llm.Protocol, kind string) string {
	return fmt.Sprintf("token_usage:%s:protocol:%s:%s", day, protocol, kind)
}

// RecordUsage adds usage to today's counters. Failures are logged, never returned.
func (t *UsageTracker) RecordUsage(ctx context.Context, protocol llm.Protocol, usage llm.Usage) {
	if usage.TotalTokens == 0 {
		return
	}
	day := t.now().UTC().Format("2006-01-02")
	counts := map[string]int{
		"prompt":     usage.PromptTokens,
		"completion": usage.CompletionTokens,
		"total":      usage.TotalTokens,
	}
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for kind, n := range counts {
			for _, key := range []string{usageKey(day, kind), protocolUsageKey(day, protocol, kind)} {
				pipe.IncrBy(ctx, key, int64(n))
				pipe.Expire(ctx, key, usageExpiry)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("⚠️ [TOKEN-TRACK] Failed to track token usage: %v", err)
		return
	}
	log.Printf("📊 [TOKEN-TRACK] Tracked %d tokens via %s", usage.TotalTokens, protocol)
}

// Daily reads the counters for day (YYYY-MM-DD). Missing counters are zero.
func (t *UsageTracker) Daily(ctx context.Context, day string) (DailyUsage, error) {
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return DailyUsage{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	out := DailyUsage{Day: day, ByProtocol: map[string]llm.Usage{}}
	var err error
	if out.Prompt, err = t.counter(ctx, usageKey(day, "prompt")); err != nil {
		return DailyUsage{}, err
	}
	if out.Completion, err = t.counter(ctx, usageKey(day, "completion")); err != nil {
		return DailyUsage{}, err
	}
	if out.Total, err = t.counter(ctx, usageKey(day, "total")); err != nil {
		return DailyUsage{}, err
	}
	for _, p := range []llm.Protocol{llm.ProtocolNative, llm.ProtocolOpenAI} {
		var u llm.Usage
		prompt, _ := t.counter(ctx, protocolUsageKey(day, p, "prompt"))
		completion, _ := t.counter(ctx, protocolUsageKey(day, p, "completion"))
		total, _ := t.counter(ctx, protocolUsageKey(day, p, "total"))
		u.PromptTokens, u.CompletionTokens, u.TotalTokens = int(prompt), int(completion), int(total)
		if total > 0 {
			out.ByProtocol[string(p)] = u
		}
	}
	return out, nil
}

func (t *UsageTracker) counter(ctx context.Context, key string) (int64, error) {
	n, err := t.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return n, nil
}
