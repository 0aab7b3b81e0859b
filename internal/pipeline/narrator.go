package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hubenschmidt/mindmap/internal/emotion"
	"github.com/hubenschmidt/mindmap/internal/hume"
	"github.com/hubenschmidt/mindmap/internal/metrics"
	"github.com/hubenschmidt/mindmap/internal/prompts"
	"github.com/hubenschmidt/mindmap/internal/trace"
)

var ErrNoNarrator = errors.New("narrator not configured")

// NarratorConfig points at any OpenAI-compatible chat completions endpoint.
type NarratorConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	Timeout      time.Duration
}

// Narrator turns insight summaries into a short non-diagnostic description.
type Narrator struct {
	client    openai.Client
	model     string
	maxTokens int
	system    string
	timeout   time.Duration
}

// NewNarrator returns nil when neither an API key nor a base URL is set.
func NewNarrator(cfg NarratorConfig) *Narrator {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(hume.NewHTTPClient(4, 60*time.Second)),
		option.WithMaxRetries(1),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Narrator{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		system:    prompts.ForSession(cfg.SystemPrompt),
		timeout:   cfg.Timeout,
	}
}

// Narrate describes the summary in a few sentences.
func (n *Narrator) Narrate(ctx context.Context, sum *emotion.Summary, clinical emotion.ClinicalProxies, valence *float64) (text string, err error) {
	if n == nil {
		return "", ErrNoNarrator
	}
	if sum == nil {
		return "", ErrNoScores
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	input := prompts.Insights(sum, clinical, valence)
	defer func() {
		metrics.StageDuration.WithLabelValues("narrate").Observe(time.Since(start).Seconds())
		trace.Record(ctx, "narrate", start, input, text, err)
	}()

	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(n.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(n.system),
			openai.UserMessage(input),
		},
		MaxTokens: openai.Int(int64(n.maxTokens)),
	})
	if err != nil {
		metrics.Errors.WithLabelValues("narrate", "http").Inc()
		return "", fmt.Errorf("narrate: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.Errors.WithLabelValues("narrate", "empty").Inc()
		return "", errors.New("narrate: no choices in response")
	}
	text = strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Info("narrative generated", "model", n.model, "chars", len(text), "ms", time.Since(start).Milliseconds())
	return text, nil
}
