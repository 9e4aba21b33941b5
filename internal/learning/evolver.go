package learning

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/agents"
	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
)

const PromptV1 = `You are a calibrated forecaster. Given this prediction market question:
"{question}"
[Domain: {domain}]
{news_context}
Guidelines:
- Weight base rates equally with recent news
- Distinguish confirmed facts from speculation
- Consider the specific resolution criteria carefully
- Current market price: {market_price}

Provide:
1. Probability (0-100%) that this resolves YES
2. Your reasoning (2-3 sentences)

JSON only: {"probability": <0-100>, "reasoning": "..."}`

const PromptV2 = `[Forecasting task]
Question: "{question}"
Domain: {domain}
Current market price: {market_price}
{news_context}
Step 1: What is the base rate for this type of event?
Step 2: What does recent evidence add? (flag if speculative)
Step 3: What is the specific resolution criteria?
Step 4: What is your calibrated probability?

JSON: {"probability": <0-100>, "reasoning": "..."}`

var requiredPlaceholders = []string{"{question}", "{domain}", "{news_context}", "{market_price}"}

const evolverSystemPrompt = "You are an expert at writing calibrated forecasting prompts for prediction markets. " +
	"Your goal is to improve a prompt that has been performing poorly (high Brier score)."

// Evolver manages the prompt A/B tournament: it seeds the built-in variants,
// hands out active prompts for forecasting, retires underperformers, and
// asks an LLM to write replacements.
type Evolver struct {
	store     store.DataStore
	providers *agents.Providers
	model     string
	cfg       config.LearningConfig
	logger    zerolog.Logger
	rng       *rand.Rand
}

// NewEvolver creates a prompt evolver using the given model to generate
// replacement variants.
func NewEvolver(s store.DataStore, providers *agents.Providers, model string, cfg config.LearningConfig, logger zerolog.Logger) *Evolver {
	return &Evolver{
		store:     s,
		providers: providers,
		model:     model,
		cfg:       cfg,
		logger:    logger.With().Str("component", "evolver").Logger(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed inserts the built-in global prompt variants. Existing rows are left
// untouched, so seeding on every startup is safe.
func (e *Evolver) Seed(ctx context.Context) error {
	return e.store.SeedPrompts(ctx, []models.PromptExperiment{
		{Version: "v1-baseline", Template: PromptV1, Active: true},
		{Version: "v2-cot", Template: PromptV2, Active: true},
	})
}

// ActivePrompt picks a prompt variant for a forecast run, uniformly at
// random among the domain's active variants. Domains with no variants of
// their own fall back to the global pool, then to the built-in baseline.
func (e *Evolver) ActivePrompt(ctx context.Context, domain models.Domain) (string, string, error) {
	prompts, err := e.store.GetActivePrompts(ctx, domain)
	if err != nil {
		return "", "", err
	}
	if len(prompts) == 0 && domain != "" {
		prompts, err = e.store.GetActivePrompts(ctx, "")
		if err != nil {
			return "", "", err
		}
	}
	if len(prompts) == 0 {
		return "v1-baseline", PromptV1, nil
	}
	chosen := prompts[e.rng.Intn(len(prompts))]
	template := chosen.Template
	if template == "" {
		template = PromptV1
	}
	return chosen.Version, template, nil
}

// RunTournament scores every active variant for a domain over the last 60
// days, retires variants that trail the best by more than the retire gap,
// and generates a new experimental variant when a slot opens up. Variants
// with fewer trials than the tournament minimum are left alone.
func (e *Evolver) RunTournament(ctx context.Context, domain models.Domain) error {
	since := time.Now().UTC().Add(-thresholdWindow)
	outcomes, err := e.store.GetOutcomesSince(ctx, since)
	if err != nil {
		return err
	}

	briers := make(map[string][]float64)
	for _, o := range outcomes {
		if o.PromptVersion == "" {
			continue
		}
		if domain != "" && o.Domain != domain {
			continue
		}
		briers[o.PromptVersion] = append(briers[o.PromptVersion], o.Brier)
	}

	active, err := e.store.GetActivePrompts(ctx, domain)
	if err != nil {
		return err
	}

	means := make(map[string]float64)
	var bestVersion string
	bestBrier := -1.0
	for i := range active {
		p := &active[i]
		trials := briers[p.Version]
		if len(trials) < e.cfg.TournamentMinTrials {
			continue
		}
		var sum float64
		for _, b := range trials {
			sum += b
		}
		mean := sum / float64(len(trials))
		means[p.Version] = mean

		p.NTrials = len(trials)
		p.MeanBrier = &mean
		if err := e.store.SavePrompt(ctx, p); err != nil {
			return err
		}

		if bestBrier < 0 || mean < bestBrier {
			bestBrier = mean
			bestVersion = p.Version
		}
	}
	if bestBrier < 0 {
		e.logger.Info().Str("domain", string(domain)).Msg("tournament skipped, no variant has enough trials")
		return nil
	}
	e.logger.Info().
		Str("domain", string(domain)).
		Str("best", bestVersion).
		Float64("best_brier", bestBrier).
		Msg("tournament scored")

	for version, mean := range means {
		if mean-bestBrier > e.cfg.RetireBrierGap {
			if err := e.store.RetirePrompt(ctx, version); err != nil {
				return err
			}
			e.logger.Info().
				Str("version", version).
				Float64("brier", mean).
				Float64("best_brier", bestBrier).
				Msg("retired prompt variant")
		}
	}

	remaining, err := e.store.GetActivePrompts(ctx, domain)
	if err != nil {
		return err
	}
	if len(remaining) >= e.cfg.MaxVariantsPerDomain {
		return nil
	}

	worst := worstPrompt(active, means)
	if worst == nil {
		return nil
	}
	return e.generateVariant(ctx, worst, domain)
}

// worstPrompt returns the scored variant with the highest mean Brier.
func worstPrompt(active []models.PromptExperiment, means map[string]float64) *models.PromptExperiment {
	var worst *models.PromptExperiment
	worstBrier := -1.0
	for i := range active {
		mean, ok := means[active[i].Version]
		if !ok {
			continue
		}
		if mean > worstBrier {
			worstBrier = mean
			worst = &active[i]
		}
	}
	return worst
}

// generateVariant asks the evolver model for an improved version of the
// worst-performing template and activates it under a content-hashed version
// key. Replies missing any of the template placeholders are discarded.
func (e *Evolver) generateVariant(ctx context.Context, worst *models.PromptExperiment, domain models.Domain) error {
	client, err := e.pickClient()
	if err != nil {
		e.logger.Warn().Err(err).Msg("no provider for prompt evolution")
		return nil
	}

	template := worst.Template
	if template == "" {
		template = PromptV1
	}
	meanBrier := "unknown"
	if worst.MeanBrier != nil {
		meanBrier = fmt.Sprintf("%.3f", *worst.MeanBrier)
	}
	domainLabel := string(domain)
	if domainLabel == "" {
		domainLabel = "all"
	}

	user := fmt.Sprintf(`The following prediction market forecasting prompt has been underperforming:

---
%s
---

Mean Brier score: %s
Domain: %s

Please write an improved version that:
1. Reduces overconfidence / underconfidence
2. Better guides the forecaster to consider base rates
3. Explicitly guards against recency bias and rumor anchoring
4. Keeps the JSON output format: {"probability": <0-100>, "reasoning": "..."}

Output ONLY the new prompt template (no explanation). Use {question}, {domain}, {news_context}, {market_price} as placeholders.`,
		template, meanBrier, domainLabel)

	comp, err := client.Chat(ctx, agents.ChatRequest{
		Model:       e.model,
		System:      evolverSystemPrompt,
		User:        user,
		MaxTokens:   800,
		Temperature: 0.7,
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("prompt evolution call failed")
		return nil
	}
	if err := e.store.LogLLMCost(ctx, &models.LLMCost{
		Model:        e.model,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
		CostUSD:      agents.EstimateCost(e.model, comp.InputTokens, comp.OutputTokens),
		CallType:     "evolve",
	}); err != nil {
		e.logger.Warn().Err(err).Msg("failed to log evolver cost")
	}

	newTemplate := strings.TrimSpace(comp.Text)
	if newTemplate == "" {
		return nil
	}
	for _, ph := range requiredPlaceholders {
		if !strings.Contains(newTemplate, ph) {
			e.logger.Warn().Str("missing", ph).Msg("evolved prompt lacks a placeholder, discarding")
			return nil
		}
	}

	hash := md5.Sum([]byte(newTemplate))
	version := "v-evolved-" + hex.EncodeToString(hash[:])[:8]
	if err := e.store.SavePrompt(ctx, &models.PromptExperiment{
		Version:  version,
		Domain:   domain,
		Template: newTemplate,
		Active:   true,
	}); err != nil {
		return err
	}
	e.logger.Info().Str("version", version).Str("domain", string(domain)).Msg("created evolved prompt variant")
	return nil
}

func (e *Evolver) pickClient() (agents.LLMClient, error) {
	if strings.Contains(e.model, "gpt") && e.providers.HasOpenAI() {
		return e.providers.For("openai")
	}
	if e.providers.HasAnthropic() {
		return e.providers.For("anthropic")
	}
	return nil, fmt.Errorf("no evolver provider configured")
}
