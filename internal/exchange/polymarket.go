package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
)

// PolymarketClient talks to the Polymarket CLOB REST API. Without an API
// key it degrades to empty listings and a neutral price.
type PolymarketClient struct {
	cfg    config.PolymarketConfig
	scan   config.ScanConfig
	rest   *restClient
	paper  bool
	logger zerolog.Logger
}

// NewPolymarketClient builds a Polymarket adapter.
func NewPolymarketClient(cfg config.PolymarketConfig, scan config.ScanConfig, paper bool, logger zerolog.Logger) *PolymarketClient {
	logger = logger.With().Str("venue", VenuePolymarket).Logger()
	return &PolymarketClient{
		cfg:    cfg,
		scan:   scan,
		rest:   newRESTClient(cfg.RateLimit, logger),
		paper:  paper,
		logger: logger,
	}
}

// Name returns the venue name.
func (c *PolymarketClient) Name() string { return VenuePolymarket }

// flexFloat tolerates the API returning numbers as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type polyToken struct {
	TokenID string    `json:"token_id"`
	Outcome string    `json:"outcome"`
	Price   flexFloat `json:"price"`
	Winner  bool      `json:"winner"`
}

type polyMarket struct {
	ConditionID string      `json:"condition_id"`
	Question    string      `json:"question"`
	Slug        string      `json:"market_slug"`
	EndDate     string      `json:"end_date_iso"`
	Volume      flexFloat   `json:"volume"`
	Closed      bool        `json:"closed"`
	Tokens      []polyToken `json:"tokens"`
}

type polyMarketsPage struct {
	Data       []polyMarket `json:"data"`
	NextCursor string       `json:"next_cursor"`
}

// ListMarkets pages through open CLOB markets and returns binary YES/NO
// markets passing the volume and time-to-close filters.
func (c *PolymarketClient) ListMarkets(ctx context.Context) ([]models.Market, error) {
	if c.cfg.APIKey == "" {
		c.logger.Info().Msg("Returning empty market list (no credentials)")
		return nil, nil
	}

	now := time.Now().UTC()
	cutoff := now.Add(time.Duration(c.scan.MinHoursToClose * float64(time.Hour)))

	var markets []models.Market
	cursor := ""
	for {
		url := c.cfg.BaseURL + "/markets"
		if cursor != "" {
			url += "?next_cursor=" + cursor
		}

		var page polyMarketsPage
		if err := c.rest.getJSON(ctx, url, c.authHeaders(), &page); err != nil {
			return markets, fmt.Errorf("polymarket list markets: %w", err)
		}

		for _, raw := range page.Data {
			m, ok := c.toMarket(raw, now)
			if !ok {
				continue
			}
			if m.CloseTime.Before(cutoff) || m.VolumeUSD < c.scan.MinVolumeUSD {
				continue
			}
			markets = append(markets, m)
		}

		cursor = page.NextCursor
		if cursor == "" || cursor == "LTE=" {
			break
		}
	}

	c.logger.Info().Int("count", len(markets)).Msg("Qualifying markets found")
	return markets, nil
}

func (c *PolymarketClient) toMarket(raw polyMarket, now time.Time) (models.Market, bool) {
	if raw.Closed || len(raw.Tokens) != 2 {
		return models.Market{}, false
	}
	var yes *polyToken
	for i := range raw.Tokens {
		if strings.EqualFold(raw.Tokens[i].Outcome, "YES") {
			yes = &raw.Tokens[i]
			break
		}
	}
	if yes == nil {
		return models.Market{}, false
	}

	closeTime := parseISOTime(raw.EndDate)
	if closeTime.IsZero() {
		closeTime = now.Add(30 * 24 * time.Hour)
	}

	price := float64(yes.Price)
	if price == 0 {
		price = 0.5
	}

	return models.Market{
		ID:          models.MarketID(VenuePolymarket, raw.ConditionID),
		Exchange:    VenuePolymarket,
		Question:    raw.Question,
		URL:         "https://polymarket.com/event/" + raw.Slug,
		MarketPrice: price,
		VolumeUSD:   float64(raw.Volume),
		CloseTime:   closeTime,
	}, true
}

// Price returns the current YES probability, 0.5 when unavailable.
func (c *PolymarketClient) Price(ctx context.Context, marketID string) (float64, error) {
	if c.cfg.APIKey == "" {
		return 0.5, nil
	}

	conditionID := models.VenueID(marketID)
	var raw polyMarket
	if err := c.rest.getJSON(ctx, c.cfg.BaseURL+"/markets/"+conditionID, c.authHeaders(), &raw); err != nil {
		return 0.5, fmt.Errorf("polymarket price %s: %w", marketID, err)
	}

	for _, t := range raw.Tokens {
		if strings.EqualFold(t.Outcome, "YES") {
			return float64(t.Price), nil
		}
	}
	return 0.5, nil
}

type polyOrderResponse struct {
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
}

// PlaceOrder submits an order, or fabricates a filled one in paper mode.
func (c *PolymarketClient) PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*models.Order, error) {
	if c.paper {
		return paperOrder(VenuePolymarket, marketID, side, size, price), nil
	}

	payload := map[string]interface{}{
		"token_id": models.VenueID(marketID),
		"side":     side,
		"size":     size,
		"price":    price,
		"type":     "GTC",
	}
	var resp polyOrderResponse
	if err := c.rest.postJSON(ctx, c.cfg.BaseURL+"/order", c.authHeaders(), payload, &resp); err != nil {
		return nil, fmt.Errorf("polymarket place order: %w", err)
	}

	status := resp.Status
	if status == "" {
		status = "open"
	}
	return &models.Order{
		OrderID:  resp.OrderID,
		MarketID: marketID,
		Side:     side,
		Size:     size,
		Price:    price,
		Status:   status,
		FilledAt: time.Now().UTC(),
	}, nil
}

type polyResolvedMarket struct {
	polyMarket
	ResolutionTime string `json:"resolutionTime"`
}

type polyResolvedPage struct {
	Data       []polyResolvedMarket `json:"data"`
	NextCursor string               `json:"next_cursor"`
}

// ListResolved returns closed markets with a winning token, resolved at or
// after since.
func (c *PolymarketClient) ListResolved(ctx context.Context, since time.Time) ([]models.Market, error) {
	if c.cfg.APIKey == "" {
		return nil, nil
	}

	var page polyResolvedPage
	if err := c.rest.getJSON(ctx, c.cfg.BaseURL+"/markets?closed=true", c.authHeaders(), &page); err != nil {
		return nil, fmt.Errorf("polymarket list resolved: %w", err)
	}

	var resolved []models.Market
	for _, raw := range page.Data {
		resolvedAt := parseISOTime(raw.ResolutionTime)
		if resolvedAt.IsZero() {
			resolvedAt = parseISOTime(raw.EndDate)
		}
		if !resolvedAt.IsZero() && resolvedAt.Before(since) {
			continue
		}

		var outcome *int
		for _, t := range raw.Tokens {
			if t.Winner {
				o := 0
				if strings.EqualFold(t.Outcome, "YES") {
					o = 1
				}
				outcome = &o
				break
			}
		}

		closeTime := resolvedAt
		if closeTime.IsZero() {
			closeTime = time.Now().UTC()
		}
		resolved = append(resolved, models.Market{
			ID:        models.MarketID(VenuePolymarket, raw.ConditionID),
			Exchange:  VenuePolymarket,
			Question:  raw.Question,
			VolumeUSD: float64(raw.Volume),
			CloseTime: closeTime,
			Resolved:  true,
			Outcome:   outcome,
		})
	}
	return resolved, nil
}

// Close releases client resources.
func (c *PolymarketClient) Close() error {
	c.rest.http.CloseIdleConnections()
	return nil
}

func (c *PolymarketClient) authHeaders() map[string]string {
	if c.cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"POLY-API-KEY": c.cfg.APIKey}
}

// parseISOTime accepts the timestamp shapes the venues emit.
func parseISOTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
