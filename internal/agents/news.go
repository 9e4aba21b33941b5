package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
	"prediction-trader/pkg/utils"
)

// speculativeRe matches hedging vocabulary. Two or more hits flag an article
// as speculative, the rumor anchoring guard.
var speculativeRe = regexp.MustCompile(`(?i)\b(could|may|might|reportedly|sources say|allegedly|rumored|` +
	`anonymous source|unconfirmed|expected to|likely to|possible that|` +
	`potentially|it appears|seems to)\b`)

// Article is one retrieved news item.
type Article struct {
	Title         string
	URL           string
	Content       string
	PublishedDate string
	IsSpeculative bool
}

// ContextString renders the article for inclusion in a forecast prompt.
func (a Article) ContextString() string {
	var b strings.Builder
	if a.IsSpeculative {
		b.WriteString("[SPECULATIVE] ")
	}
	b.WriteString(a.Title)
	if a.PublishedDate != "" {
		fmt.Fprintf(&b, " (%s)", a.PublishedDate)
	}
	b.WriteString("\n")
	b.WriteString(utils.Truncate(a.Content, 500))
	return b.String()
}

// NewsContext is the retrieved, guard-filtered news for one question.
type NewsContext struct {
	Articles     []Article
	Domain       models.Domain
	Question     string
	UseNews      bool
	SystemPrefix string
	Body         string
}

// IsEmpty reports whether the context contributes nothing to the prompt body.
func (n NewsContext) IsEmpty() bool {
	return len(n.Articles) == 0 || !n.UseNews
}

// NewsFetcher retrieves news articles for a question from the configured
// search provider. With no key for that provider it returns empty contexts.
type NewsFetcher struct {
	cfg    config.NewsConfig
	http   *http.Client
	logger zerolog.Logger
}

// NewNewsFetcher creates a news fetcher.
func NewNewsFetcher(cfg config.NewsConfig, logger zerolog.Logger) *NewsFetcher {
	return &NewsFetcher{
		cfg:    cfg,
		http:   &http.Client{Timeout: 20 * time.Second},
		logger: logger.With().Str("component", "news").Logger(),
	}
}

// GetContext retrieves news for a question and applies three guards:
// a recency bias prefix, speculative article tagging, and key resolution
// terms extracted from the question. Noise domains skip retrieval entirely
// and get a base-rate instruction instead.
func (f *NewsFetcher) GetContext(ctx context.Context, question string, domain models.Domain) NewsContext {
	if models.NewsNoiseDomains[domain] {
		return NewsContext{
			Domain:   domain,
			Question: question,
			UseNews:  false,
			SystemPrefix: fmt.Sprintf("[DOMAIN NOTE: %s domain, news context is omitted because "+
				"empirical research shows it degrades forecast accuracy for this domain. "+
				"Rely on base rates and structural reasoning only.]", domain),
		}
	}

	articles := f.fetch(ctx, question)
	if len(articles) == 0 {
		return NewsContext{
			Domain:       domain,
			Question:     question,
			UseNews:      true,
			SystemPrefix: "[No recent news found, rely on base rates.]",
		}
	}

	for i := range articles {
		hits := speculativeRe.FindAllString(articles[i].Title+" "+articles[i].Content, -1)
		if len(hits) >= 2 {
			articles[i].IsSpeculative = true
		}
	}

	keyTerms := extractKeyTerms(question)

	prefix := "[FORECASTING GUIDELINES]\n" +
		"- Weight base rates equally with recent news. Recent does not mean correct.\n" +
		"- Speculative articles are tagged [SPECULATIVE], treat them as weak signal only.\n" +
		fmt.Sprintf("- Domain: %s. Key resolution terms: %s.\n", domain, strings.Join(keyTerms, ", ")) +
		"- Distinguish confirmed facts from speculation before updating your probability."

	limit := f.cfg.MaxArticles
	if limit <= 0 || limit > len(articles) {
		limit = len(articles)
	}
	parts := make([]string, 0, limit)
	for _, a := range articles[:limit] {
		parts = append(parts, a.ContextString())
	}

	return NewsContext{
		Articles:     articles,
		Domain:       domain,
		Question:     question,
		UseNews:      true,
		SystemPrefix: prefix,
		Body:         strings.Join(parts, "\n\n---\n\n"),
	}
}

func (f *NewsFetcher) fetch(ctx context.Context, query string) []Article {
	provider := f.cfg.Provider
	if provider == "" {
		provider = "tavily"
	}
	switch {
	case provider == "tavily" && f.cfg.TavilyAPIKey != "":
		return f.tavilySearch(ctx, query)
	case provider == "brave" && f.cfg.BraveAPIKey != "":
		return f.braveSearch(ctx, query)
	default:
		f.logger.Warn().Str("provider", provider).Msg("no news api key configured, returning empty news context")
		return nil
	}
}

func (f *NewsFetcher) tavilySearch(ctx context.Context, query string) []Article {
	payload, err := json.Marshal(map[string]any{
		"api_key":      f.cfg.TavilyAPIKey,
		"query":        query,
		"max_results":  f.cfg.MaxArticles,
		"search_depth": "basic",
	})
	if err != nil {
		return nil
	}

	var result struct {
		Results []struct {
			Title         string `json:"title"`
			URL           string `json:"url"`
			Content       string `json:"content"`
			PublishedDate string `json:"published_date"`
		} `json:"results"`
	}
	err = f.doJSON(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.tavily.com/search", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &result)
	if err != nil {
		f.logger.Error().Err(err).Msg("tavily search failed")
		return nil
	}

	articles := make([]Article, 0, len(result.Results))
	for _, r := range result.Results {
		articles = append(articles, Article{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			PublishedDate: r.PublishedDate,
		})
	}
	return articles
}

func (f *NewsFetcher) braveSearch(ctx context.Context, query string) []Article {
	endpoint := "https://api.search.brave.com/res/v1/news/search?" + url.Values{
		"q":     {query},
		"count": {strconv.Itoa(f.cfg.MaxArticles)},
	}.Encode()

	var result struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	}
	err := f.doJSON(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", f.cfg.BraveAPIKey)
		return req, nil
	}, &result)
	if err != nil {
		f.logger.Error().Err(err).Msg("brave search failed")
		return nil
	}

	articles := make([]Article, 0, len(result.Results))
	for _, r := range result.Results {
		articles = append(articles, Article{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Description,
			PublishedDate: r.Age,
		})
	}
	return articles
}

// doJSON executes a request with retries and decodes the JSON response.
func (f *NewsFetcher) doJSON(ctx context.Context, build func() (*http.Request, error), out any) error {
	return utils.Retry(ctx, utils.DefaultRetryConfig(), func() error {
		req, err := build()
		if err != nil {
			return utils.Permanent(err)
		}
		resp, err := f.http.Do(req)
		if err != nil {
			return fmt.Errorf("news request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("news api returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return utils.Permanent(fmt.Errorf("news api returned %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return utils.Permanent(fmt.Errorf("failed to decode news response: %w", err))
		}
		return nil
	})
}

var (
	quotedTermRe    = regexp.MustCompile(`"([^"]+)"`)
	titleCaseRunRe  = regexp.MustCompile(`(?:[A-Z][a-z]+\s){1,3}[A-Z][a-z]+`)
	maxKeyTermCount = 5
)

// extractKeyTerms pulls quoted phrases and Title Case runs out of the
// question text, the definition drift guard.
func extractKeyTerms(question string) []string {
	var terms []string
	for _, m := range quotedTermRe.FindAllStringSubmatch(question, -1) {
		terms = append(terms, m[1])
	}
	terms = append(terms, titleCaseRunRe.FindAllString(question, -1)...)

	seen := make(map[string]bool)
	unique := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		unique = append(unique, t)
		if len(unique) == maxKeyTermCount {
			break
		}
	}
	return unique
}
