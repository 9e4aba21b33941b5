package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"prediction-trader/internal/models"
)

// CostLogger records LLM spend to the ledger.
type CostLogger interface {
	LogLLMCost(ctx context.Context, cost *models.LLMCost) error
}

var domainDefinitions = map[models.Domain]string{
	models.DomainGeopolitics:   "International relations, wars, conflicts, treaties, sanctions, foreign policy",
	models.DomainPolitics:      "Domestic elections, legislation, political figures, government policy",
	models.DomainTechnology:    "Tech companies, products, AI/ML, software releases, startups",
	models.DomainEntertainment: "Movies, TV, celebrities, sports entertainment, awards, music",
	models.DomainFinance:       "Stock markets, economic indicators, company earnings, crypto prices, central banks",
	models.DomainSports:        "Game scores, championships, player transfers, athletic performance",
}

const classifierUserPrompt = "Question: %q\n\nClassify this question."

// Classifier assigns prediction market questions to one of the six domains
// using a cheap LLM, with a keyword heuristic when no provider is configured.
type Classifier struct {
	providers *Providers
	model     string
	costs     CostLogger
	logger    zerolog.Logger
}

// NewClassifier creates a domain classifier backed by the given model.
func NewClassifier(providers *Providers, model string, costs CostLogger, logger zerolog.Logger) *Classifier {
	return &Classifier{
		providers: providers,
		model:     model,
		costs:     costs,
		logger:    logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify returns the domain and the model's confidence for a question.
// Always returns a valid domain: unparseable responses fall back to politics
// at low confidence.
func (c *Classifier) Classify(ctx context.Context, question string) (models.Domain, float64) {
	raw, err := c.call(ctx, question)
	if err != nil {
		c.logger.Warn().Err(err).Msg("classifier call failed, using keyword fallback")
		raw = keywordClassify(question)
	}
	domain, confidence := parseClassification(raw)
	c.logger.Debug().
		Str("question", truncateQuestion(question)).
		Str("domain", string(domain)).
		Float64("confidence", confidence).
		Msg("classified question")
	return domain, confidence
}

func (c *Classifier) call(ctx context.Context, question string) (string, error) {
	client, err := c.pickClient()
	if err != nil {
		return "", err
	}
	comp, err := client.Chat(ctx, ChatRequest{
		Model:     c.model,
		System:    classifierSystemPrompt(),
		User:      fmt.Sprintf(classifierUserPrompt, question),
		MaxTokens: 64,
	})
	if err != nil {
		return "", err
	}
	if c.costs != nil {
		cost := &models.LLMCost{
			Model:        c.model,
			InputTokens:  comp.InputTokens,
			OutputTokens: comp.OutputTokens,
			CostUSD:      EstimateCost(c.model, comp.InputTokens, comp.OutputTokens),
			CallType:     "classify",
		}
		if err := c.costs.LogLLMCost(ctx, cost); err != nil {
			c.logger.Warn().Err(err).Msg("failed to log classifier cost")
		}
	}
	return comp.Text, nil
}

func (c *Classifier) pickClient() (LLMClient, error) {
	if strings.Contains(c.model, "claude") && c.providers.HasAnthropic() {
		return c.providers.For("anthropic")
	}
	if c.providers.HasOpenAI() {
		return c.providers.For("openai")
	}
	return nil, fmt.Errorf("no classifier provider configured")
}

func classifierSystemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a domain classifier for prediction market questions.\n")
	b.WriteString("Classify each question into exactly one of these domains:\n")
	for _, d := range models.DomainPriority {
		fmt.Fprintf(&b, "- %s: %s\n", d, domainDefinitions[d])
	}
	b.WriteString("\nRespond ONLY with valid JSON: {\"domain\": \"<domain>\", \"confidence\": <0.0-1.0>}")
	return b.String()
}

var jsonObjectRe = regexp.MustCompile(`\{[^}]+\}`)

// parseClassification extracts domain and confidence from an LLM response.
// Returns (politics, 0.3) when nothing usable can be extracted.
func parseClassification(raw string) (models.Domain, float64) {
	match := jsonObjectRe.FindString(raw)
	if match == "" {
		return models.DomainPolitics, 0.3
	}
	var payload struct {
		Domain     string  `json:"domain"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(match), &payload); err != nil {
		return models.DomainPolitics, 0.3
	}

	domain := models.Domain(strings.ToLower(payload.Domain))
	if !models.ValidDomain(payload.Domain) {
		domain = closestDomain(payload.Domain)
	}
	confidence := payload.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	return domain, confidence
}

// closestDomain maps an unexpected domain label onto the nearest valid one.
func closestDomain(raw string) models.Domain {
	raw = strings.ToLower(raw)
	mappings := []struct {
		key    string
		domain models.Domain
	}{
		{"geo", models.DomainGeopolitics},
		{"international", models.DomainGeopolitics},
		{"war", models.DomainGeopolitics},
		{"election", models.DomainPolitics},
		{"political", models.DomainPolitics},
		{"government", models.DomainPolitics},
		{"tech", models.DomainTechnology},
		{"ai", models.DomainTechnology},
		{"crypto", models.DomainFinance},
		{"econ", models.DomainFinance},
		{"market", models.DomainFinance},
		{"sport", models.DomainSports},
		{"athlete", models.DomainSports},
		{"celebrity", models.DomainEntertainment},
		{"movie", models.DomainEntertainment},
		{"tv", models.DomainEntertainment},
	}
	for _, m := range mappings {
		if strings.Contains(raw, m.key) {
			return m.domain
		}
	}
	return models.DomainPolitics
}

// keywordClassify is the offline fallback: a keyword scan over the question
// that returns the same JSON shape the LLM would.
func keywordClassify(question string) string {
	text := strings.ToLower(question)
	contains := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(text, w) {
				return true
			}
		}
		return false
	}
	switch {
	case contains("war", "nato", "sanction", "geopolit", "treaty"):
		return `{"domain": "geopolitics", "confidence": 0.5}`
	case contains("election", "president", "congress", "senate", "vote", "poll"):
		return `{"domain": "politics", "confidence": 0.5}`
	case contains("stock", "gdp", "fed ", "inflation", "bitcoin", "earnings"):
		return `{"domain": "finance", "confidence": 0.5}`
	case contains("nfl", "nba", "mlb", "soccer", "championship", "super bowl"):
		return `{"domain": "sports", "confidence": 0.5}`
	case contains("apple", "google", "openai", "ai ", "release", "iphone"):
		return `{"domain": "technology", "confidence": 0.5}`
	case contains("oscar", "emmy", "grammy", "celebrity", "netflix", "film"):
		return `{"domain": "entertainment", "confidence": 0.5}`
	default:
		return `{"domain": "politics", "confidence": 0.3}`
	}
}

func truncateQuestion(q string) string {
	if len(q) > 50 {
		return q[:50] + "..."
	}
	return q
}
