package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/pkg/utils"
)

const (
	defaultForecastSystem = "You are a calibrated forecaster."
	forecastMaxTokens     = 300
	forecastTemperature   = 0.3
)

// ModelForecast is one model's answer for one market.
type ModelForecast struct {
	Model          string
	PromptVersion  string
	RawProbability float64
	Entropy        float64
	Confidence     string
	Reasoning      string
	NewsUsed       bool
	InputTokens    int
	OutputTokens   int
}

// Forecaster fans a market question out to every active model in the roster
// and collects per-model probability and entropy.
type Forecaster struct {
	providers        *Providers
	roster           []config.ModelConfig
	sem              chan struct{}
	defaultThreshold float64
	costs            CostLogger
	logger           zerolog.Logger
}

// NewForecaster creates a forecaster over the given model roster. At most
// concurrency calls run against providers at once.
func NewForecaster(providers *Providers, roster []config.ModelConfig, concurrency int, defaultThreshold float64, costs CostLogger, logger zerolog.Logger) *Forecaster {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Forecaster{
		providers:        providers,
		roster:           roster,
		sem:              make(chan struct{}, concurrency),
		defaultThreshold: defaultThreshold,
		costs:            costs,
		logger:           logger.With().Str("component", "forecaster").Logger(),
	}
}

// Forecast runs every model with positive weight against the market question
// and returns one ModelForecast per model that succeeds. Failed models are
// logged and dropped; the result may be empty.
func (f *Forecaster) Forecast(ctx context.Context, market models.Market, news NewsContext, promptTemplate, promptVersion string, thresholds map[models.Domain]float64) []ModelForecast {
	domain := market.Domain
	if domain == "" {
		domain = models.DomainPolitics
	}
	threshold := f.defaultThreshold
	if t, ok := thresholds[domain]; ok {
		threshold = t
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		forecasts []ModelForecast
	)
	for _, cfg := range f.roster {
		if cfg.Weight <= 0 {
			continue
		}
		wg.Add(1)
		go func(cfg config.ModelConfig) {
			defer wg.Done()
			f.sem <- struct{}{}
			defer func() { <-f.sem }()

			fc, err := f.forecastOne(ctx, cfg, market, news, promptTemplate, promptVersion, threshold)
			if err != nil {
				f.logger.Error().Err(err).Str("model", cfg.ID).Str("market_id", market.ID).Msg("forecast failed")
				return
			}
			mu.Lock()
			forecasts = append(forecasts, *fc)
			mu.Unlock()
		}(cfg)
	}
	wg.Wait()
	return forecasts
}

func (f *Forecaster) forecastOne(ctx context.Context, cfg config.ModelConfig, market models.Market, news NewsContext, promptTemplate, promptVersion string, threshold float64) (*ModelForecast, error) {
	client, err := f.providers.For(cfg.Provider)
	if err != nil {
		return nil, err
	}

	newsContext := ""
	newsUsed := false
	if news.UseNews && !news.IsEmpty() {
		newsContext = "\n\nRecent news:\n" + news.Body + "\n"
		newsUsed = true
	}

	prompt := RenderPrompt(promptTemplate, market, newsContext)
	system := news.SystemPrefix
	if system == "" {
		system = defaultForecastSystem
	}

	comp, err := client.Chat(ctx, ChatRequest{
		Model:        cfg.ID,
		System:       system,
		User:         prompt,
		MaxTokens:    forecastMaxTokens,
		Temperature:  forecastTemperature,
		WantLogprobs: cfg.HasLogprobs,
	})
	if err != nil {
		return nil, err
	}

	prob, parsed := ExtractProbability(comp.Text)
	if !parsed || prob == 0 {
		prob = 0.5
	}
	entropy := responseEntropy(cfg.HasLogprobs, comp.Logprobs, parsed)

	if f.costs != nil {
		cost := &models.LLMCost{
			Model:        cfg.ID,
			InputTokens:  comp.InputTokens,
			OutputTokens: comp.OutputTokens,
			CostUSD:      EstimateCost(cfg.ID, comp.InputTokens, comp.OutputTokens),
			CallType:     "forecast",
		}
		if err := f.costs.LogLLMCost(ctx, cost); err != nil {
			f.logger.Warn().Err(err).Msg("failed to log forecast cost")
		}
	}

	return &ModelForecast{
		Model:          cfg.ID,
		PromptVersion:  promptVersion,
		RawProbability: prob,
		Entropy:        entropy,
		Confidence:     ConfidenceTier(entropy, threshold),
		Reasoning:      utils.Truncate(ExtractReasoning(comp.Text), 500),
		NewsUsed:       newsUsed,
		InputTokens:    comp.InputTokens,
		OutputTokens:   comp.OutputTokens,
	}, nil
}

// responseEntropy picks the entropy for one model response. Measured
// sequence entropy is used whenever the provider returned logprobs, even
// for responses whose probability failed to parse. Providers without
// logprobs fall back to the mid sentinel on a parse, the max sentinel
// otherwise.
func responseEntropy(hasLogprobs bool, logprobs []TokenLogprob, parsed bool) float64 {
	if hasLogprobs {
		if _, flat := ExtractNumberLogprobs(logprobs); len(flat) > 0 {
			return SequenceEntropy(flat)
		}
		return EntropyNoLogprobs
	}
	if parsed {
		return EntropyNoLogprobs
	}
	return EntropyNoParse
}

// RenderPrompt substitutes the template placeholders for one market. The
// price renders as a percentage like "40.0%"; an unclassified market reads
// as domain "unknown".
func RenderPrompt(template string, market models.Market, newsContext string) string {
	domain := string(market.Domain)
	if domain == "" {
		domain = "unknown"
	}
	return strings.NewReplacer(
		"{question}", market.Question,
		"{domain}", domain,
		"{news_context}", newsContext,
		"{market_price}", utils.FormatProbability(market.MarketPrice),
	).Replace(template)
}

// ============================================================================
// Response parsing
// ============================================================================

var probabilityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)probability[:\s]+(\d+(?:\.\d+)?)%`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`),
	regexp.MustCompile(`0\.(\d+)`),
	regexp.MustCompile(`"probability"\s*:\s*(\d+(?:\.\d+)?)`),
}

// ExtractProbability parses a probability from an LLM response, trying an
// embedded JSON object first and falling back to plain-text number patterns.
// Values above 1 are treated as percentages.
func ExtractProbability(text string) (float64, bool) {
	if match := jsonObjectRe.FindString(text); match != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(match), &data); err == nil {
			for _, key := range []string{"probability", "prob", "p"} {
				if raw, ok := data[key]; ok {
					if val, ok := toFloat(raw); ok {
						if val > 1 {
							val /= 100.0
						}
						return val, true
					}
				}
			}
		}
	}

	for _, pat := range probabilityPatterns {
		m := pat.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		val, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if strings.Contains(m[0], "%") || val > 1 {
			val /= 100.0
		}
		return clampProbability(val), true
	}
	return 0, false
}

// ExtractReasoning pulls the reasoning portion out of an LLM response, from
// a JSON field when present, otherwise the non-JSON text.
func ExtractReasoning(text string) string {
	if match := jsonObjectRe.FindString(text); match != "" {
		var data map[string]any
		if err := json.Unmarshal([]byte(match), &data); err == nil {
			for _, key := range []string{"reasoning", "explanation", "rationale"} {
				if raw, ok := data[key]; ok {
					return fmt.Sprintf("%v", raw)
				}
			}
		}
	}
	stripped := strings.TrimSpace(jsonObjectRe.ReplaceAllString(text, ""))
	if stripped == "" {
		return "No reasoning provided"
	}
	return stripped
}

func clampProbability(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
