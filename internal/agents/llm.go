package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"prediction-trader/internal/config"
)

// ChatRequest is a single-turn chat completion request.
type ChatRequest struct {
	Model        string
	System       string
	User         string
	MaxTokens    int
	Temperature  float64
	WantLogprobs bool
}

// Completion is a normalized provider response.
type Completion struct {
	Text         string
	Logprobs     []TokenLogprob   // top-1 per emitted token, nil when unavailable
	TopLogprobs  [][]TokenLogprob // top-k alternatives per token, nil when unavailable
	InputTokens  int
	OutputTokens int
}

// LLMClient is the minimal surface the forecaster needs from a provider.
type LLMClient interface {
	Chat(ctx context.Context, req ChatRequest) (*Completion, error)
}

// ============================================================================
// Provider routing
// ============================================================================

// Providers routes model provider names to configured clients.
type Providers struct {
	anthropic LLMClient
	openai    LLMClient
	deepseek  LLMClient
}

// NewProviders builds clients for every provider with a configured key.
func NewProviders(cfg config.LLMConfig) *Providers {
	p := &Providers{}
	if cfg.AnthropicAPIKey != "" {
		p.anthropic = NewAnthropicClient(cfg.AnthropicAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		p.openai = NewOpenAIClient(cfg.OpenAIAPIKey, "")
	}
	if cfg.DeepSeekAPIKey != "" {
		baseURL := cfg.DeepSeekBaseURL
		if baseURL == "" {
			baseURL = "https://api.deepseek.com/v1"
		}
		p.deepseek = NewOpenAIClient(cfg.DeepSeekAPIKey, baseURL)
	}
	return p
}

// For returns the client for a provider name, or an error when no key was
// configured for it.
func (p *Providers) For(provider string) (LLMClient, error) {
	if p == nil {
		return nil, fmt.Errorf("no llm providers configured")
	}
	switch provider {
	case "anthropic":
		if p.anthropic == nil {
			return nil, fmt.Errorf("no anthropic api key configured")
		}
		return p.anthropic, nil
	case "openai":
		if p.openai == nil {
			return nil, fmt.Errorf("no openai api key configured")
		}
		return p.openai, nil
	case "deepseek":
		if p.deepseek == nil {
			return nil, fmt.Errorf("no deepseek api key configured")
		}
		return p.deepseek, nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", provider)
	}
}

// HasAnthropic reports whether an Anthropic client is configured.
func (p *Providers) HasAnthropic() bool { return p != nil && p.anthropic != nil }

// HasOpenAI reports whether an OpenAI client is configured.
func (p *Providers) HasOpenAI() bool { return p != nil && p.openai != nil }

// ============================================================================
// OpenAI-compatible client (OpenAI, DeepSeek)
// ============================================================================

// OpenAIClient implements LLMClient over any OpenAI-compatible API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client; a non-empty baseURL overrides the API
// endpoint, which is how DeepSeek's compatible API is reached.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Chat sends a single-turn completion and normalizes the response, including
// token logprobs when requested.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.User,
	})

	ccr := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if req.WantLogprobs {
		ccr.LogProbs = true
		ccr.TopLogProbs = 5
	}

	resp, err := c.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return nil, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	choice := resp.Choices[0]
	comp := &Completion{
		Text:         choice.Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if choice.LogProbs != nil {
		for _, lp := range choice.LogProbs.Content {
			comp.Logprobs = append(comp.Logprobs, TokenLogprob{Token: lp.Token, Logprob: lp.LogProb})
			if len(lp.TopLogProbs) > 0 {
				dist := make([]TokenLogprob, 0, len(lp.TopLogProbs))
				for _, top := range lp.TopLogProbs {
					dist = append(dist, TokenLogprob{Token: top.Token, Logprob: top.LogProb})
				}
				comp.TopLogprobs = append(comp.TopLogprobs, dist)
			}
		}
	}
	return comp, nil
}

// ============================================================================
// Anthropic client
// ============================================================================

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicClient implements LLMClient against the Anthropic messages API.
// The API does not expose token logprobs, so completions carry none.
type AnthropicClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewAnthropicClient creates a client for the Anthropic API.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a single-turn message to the Anthropic API.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*Completion, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.User}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic api error %d: %s", resp.StatusCode, string(raw))
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("failed to decode anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Completion{
		Text:         text.String(),
		InputTokens:  ar.Usage.InputTokens,
		OutputTokens: ar.Usage.OutputTokens,
	}, nil
}

// ============================================================================
// Cost estimation
// ============================================================================

// USD per 1M tokens (input, output).
var modelRates = map[string][2]float64{
	"claude-sonnet-4-6":         {3.0, 15.0},
	"claude-haiku-4-5-20251001": {0.25, 1.25},
	"gpt-4.1":                   {2.0, 8.0},
	"gpt-4o-mini":               {0.15, 0.60},
	"deepseek-chat":             {0.14, 0.28},
}

var defaultRate = [2]float64{1.0, 3.0}

// EstimateCost returns the estimated USD cost of a call from token counts.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	rate, ok := modelRates[model]
	if !ok {
		rate = defaultRate
	}
	return float64(inputTokens)/1e6*rate[0] + float64(outputTokens)/1e6*rate[1]
}
