package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-resty/resty/v2"

	"quote-arena/internal/config"
	"quote-arena/pkg/types"
)

// systemPrompt instructs the model to emit only the strategy JSON object.
// Field names match the Strategy JSON tags exactly so the reply unmarshals
// directly.
const systemPrompt = `You convert a trading strategy described in plain English into a JSON object.
Respond with ONLY the JSON object, no prose and no markdown fences.
Fields (all required): max_age_minutes (1-10080), min_liquidity (>=0),
min_holders (>=0), signal (one of "momentum","volume_spike","new_launch","social_buzz"),
threshold (0.5-10), max_positions (1-5), allocation_per_position (0.01-1.0),
take_profit_pct (5-500), stop_loss_pct (5-50), cooldown_sec (>=0),
time_limit_min (0-1440, 0=none), trailing_stop_pct (0-30, 0=none),
max_tax_pct (>=0), reject_honeypots, require_renounced, require_liquidity_locked (booleans).
When the prompt does not mention a field, use: max_age_minutes=1440,
min_liquidity=10, min_holders=50, signal="momentum", threshold=2,
max_positions=3, allocation_per_position=0.1, take_profit_pct=30,
stop_loss_pct=15, cooldown_sec=60, time_limit_min=0, trailing_stop_pct=0,
max_tax_pct=10, reject_honeypots=true, require_renounced=false,
require_liquidity_locked=false.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// llmClient calls an OpenAI-compatible chat completions endpoint. Calls are
// throttled through a local token bucket so a burst of submissions cannot
// trip the provider's request limit.
type llmClient struct {
	client  *resty.Client
	model   string
	limiter *TokenBucket
	logger  *slog.Logger
}

func newLLMClient(cfg config.CompilerConfig, logger *slog.Logger) *llmClient {
	client := resty.New().
		SetBaseURL(cfg.LLMBaseURL).
		SetTimeout(cfg.LLMTimeout).
		SetHeader("Authorization", "Bearer "+cfg.LLMAPIKey).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2)

	return &llmClient{
		client:  client,
		model:   cfg.LLMModel,
		limiter: NewTokenBucket(5, 1), // burst 5, 1 req/s sustained
		logger:  logger,
	}
}

// parse sends the sanitized prompt to the completion endpoint and unmarshals
// the reply into a strategy description. Any transport or format failure is
// returned as-is; the caller wraps it in a ParseError.
func (l *llmClient) parse(ctx context.Context, prompt string) (types.Strategy, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return types.Strategy{}, err
	}

	var out chatResponse
	resp, err := l.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: l.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: prompt},
			},
		}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/chat/completions")
	if err != nil {
		return types.Strategy{}, fmt.Errorf("completion request: %w", err)
	}
	if resp.IsError() {
		return types.Strategy{}, fmt.Errorf("completion endpoint returned %d", resp.StatusCode())
	}
	if out.Error != nil {
		return types.Strategy{}, fmt.Errorf("completion error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return types.Strategy{}, fmt.Errorf("completion reply has no choices")
	}

	content := strings.TrimSpace(out.Choices[0].Message.Content)
	// Some models wrap output in fences despite instructions.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var strat types.Strategy
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&strat); err != nil {
		l.logger.Warn("completion reply was not valid strategy JSON", "error", err)
		return types.Strategy{}, fmt.Errorf("decode completion reply: %w", err)
	}
	return strat, nil
}
