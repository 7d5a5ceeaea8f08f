package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/tinyfish-io/fanout/internal/stream"
)

// ErrNoSynthesizer is returned when a synthesizer lacks what it needs to run.
var ErrNoSynthesizer = errors.New("synthesizer is not configured")

// DefaultSystemPrompt instructs the model how to merge per-target results.
const DefaultSystemPrompt = `You merge results gathered by several web automation agents into one answer.
Each result comes from a different website and is given in the order the user listed them.
Answer the user's query using only these results. Prefer a JSON object when the query
asks for structured data; otherwise reply with concise prose. Never invent values.`

// OpenAIClient interface for testability
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures an OpenAISynthesizer. BaseURL points it at any
// OpenAI compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// OpenAISynthesizer composes a summary with one chat completion call.
type OpenAISynthesizer struct {
	client OpenAIClient
	cfg    OpenAIConfig
}

// NewOpenAISynthesizer creates a synthesizer backed by the go-openai client.
func NewOpenAISynthesizer(cfg OpenAIConfig) (*OpenAISynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing OpenAI API key", ErrNoSynthesizer)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAISynthesizerWithClient(openai.NewClientWithConfig(clientCfg), cfg), nil
}

// NewOpenAISynthesizerWithClient creates a synthesizer with a custom client (useful for testing)
func NewOpenAISynthesizerWithClient(client OpenAIClient, cfg OpenAIConfig) *OpenAISynthesizer {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &OpenAISynthesizer{client: client, cfg: cfg}
}

func (s *OpenAISynthesizer) Name() string { return "openai" }

// Synthesize implements Synthesizer. A reply that carries a JSON document is
// also returned as structured content.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, query string, results []TaskOutcome) (Summary, error) {
	prompt, err := userPrompt(query, results)
	if err != nil {
		return Summary{}, err
	}

	req := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: s.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Summary{}, err
	}
	if len(resp.Choices) == 0 {
		return Summary{}, fmt.Errorf("no choices in response")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Summary{}, fmt.Errorf("empty completion")
	}

	summary := Summary{Text: text}
	if doc, ok := stream.ExtractJSON(text); ok {
		summary.Content = doc
	}
	return summary, nil
}

func userPrompt(query string, results []TaskOutcome) (string, error) {
	type item struct {
		Source string          `json:"source"`
		Result json.RawMessage `json:"result"`
	}
	items := make([]item, len(results))
	for i, r := range results {
		items[i] = item{Source: r.Target, Result: r.Result}
	}
	doc, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode results: %w", err)
	}

	var b strings.Builder
	if query != "" {
		b.WriteString("Query: ")
		b.WriteString(query)
		b.WriteString("\n\n")
	}
	b.WriteString("Results:\n")
	b.Write(doc)
	return b.String(), nil
}
