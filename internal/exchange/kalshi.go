package exchange

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"prediction-trader/internal/config"
	"prediction-trader/internal/models"
)

// KalshiClient talks to the Kalshi REST API v2. Authenticated requests are
// signed with RSA PKCS1v15/SHA256 over timestamp+method+path+body. Without
// an API key id it degrades to empty listings.
type KalshiClient struct {
	cfg        config.KalshiConfig
	scan       config.ScanConfig
	rest       *restClient
	paper      bool
	logger     zerolog.Logger
	privateKey *rsa.PrivateKey
}

// NewKalshiClient builds a Kalshi adapter. A missing or unreadable private
// key disables signing but not public endpoints.
func NewKalshiClient(cfg config.KalshiConfig, scan config.ScanConfig, paper bool, logger zerolog.Logger) *KalshiClient {
	logger = logger.With().Str("venue", VenueKalshi).Logger()
	c := &KalshiClient{
		cfg:    cfg,
		scan:   scan,
		rest:   newRESTClient(cfg.RateLimit, logger),
		paper:  paper,
		logger: logger,
	}
	if cfg.PrivateKeyPath != "" {
		key, err := loadRSAPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load private key")
		} else {
			c.privateKey = key
		}
	}
	return c
}

// Name returns the venue name.
func (c *KalshiClient) Name() string { return VenueKalshi }

func loadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key in %s is not RSA", path)
	}
	return key, nil
}

// signHeaders produces the KALSHI-ACCESS-* auth headers for one request.
func (c *KalshiClient) signHeaders(method, rawURL, body string) map[string]string {
	if c.privateKey == nil || c.cfg.APIKeyID == "" {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + strings.ToUpper(method) + u.Path + body
	hashed := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		c.logger.Error().Err(err).Msg("Request signing failed")
		return nil
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       c.cfg.APIKeyID,
		"KALSHI-ACCESS-TIMESTAMP": ts,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
	}
}

type kalshiMarket struct {
	Ticker     string   `json:"ticker"`
	Title      string   `json:"title"`
	MarketType string   `json:"market_type"`
	YesBid     *float64 `json:"yes_bid"`
	YesAsk     *float64 `json:"yes_ask"`
	LastPrice  float64  `json:"last_price"`
	Volume     float64  `json:"volume"`
	CloseTime  string   `json:"close_time"`
	Result     string   `json:"result"`
}

type kalshiMarketsPage struct {
	Markets []kalshiMarket `json:"markets"`
	Cursor  string         `json:"cursor"`
}

// yesPrice converts Kalshi cent quotes into a probability.
func (m *kalshiMarket) yesPrice() float64 {
	if m.YesBid != nil && m.YesAsk != nil {
		return (*m.YesBid + *m.YesAsk) / 2 / 100.0
	}
	if m.LastPrice > 1 {
		return m.LastPrice / 100.0
	}
	if m.LastPrice > 0 {
		return m.LastPrice
	}
	return 0.5
}

// ListMarkets pages through open markets with cursor pagination and returns
// binary markets passing the volume and time-to-close filters.
func (c *KalshiClient) ListMarkets(ctx context.Context) ([]models.Market, error) {
	if c.cfg.APIKeyID == "" {
		c.logger.Info().Msg("Returning empty market list (no credentials)")
		return nil, nil
	}

	now := time.Now().UTC()
	cutoff := now.Add(time.Duration(c.scan.MinHoursToClose * float64(time.Hour)))

	var markets []models.Market
	cursor := ""
	for {
		reqURL := c.cfg.BaseURL + "/markets?limit=200&status=open"
		if cursor != "" {
			reqURL += "&cursor=" + url.QueryEscape(cursor)
		}

		var page kalshiMarketsPage
		if err := c.rest.getJSON(ctx, reqURL, c.signHeaders("GET", reqURL, ""), &page); err != nil {
			return markets, fmt.Errorf("kalshi list markets: %w", err)
		}

		for _, raw := range page.Markets {
			if raw.MarketType != "" && raw.MarketType != "binary" && raw.MarketType != "yes_no" {
				continue
			}
			if raw.Volume < c.scan.MinVolumeUSD {
				continue
			}
			closeTime := parseISOTime(raw.CloseTime)
			if !closeTime.IsZero() && closeTime.Before(cutoff) {
				continue
			}
			if closeTime.IsZero() {
				closeTime = now.Add(30 * 24 * time.Hour)
			}

			markets = append(markets, models.Market{
				ID:          models.MarketID(VenueKalshi, raw.Ticker),
				Exchange:    VenueKalshi,
				Question:    raw.Title,
				URL:         "https://kalshi.com/markets/" + raw.Ticker,
				MarketPrice: raw.yesPrice(),
				VolumeUSD:   raw.Volume,
				CloseTime:   closeTime,
			})
		}

		cursor = page.Cursor
		if cursor == "" {
			break
		}
	}

	c.logger.Info().Int("count", len(markets)).Msg("Qualifying markets found")
	return markets, nil
}

type kalshiMarketResponse struct {
	Market kalshiMarket `json:"market"`
}

// Price returns the mid of yes_bid/yes_ask as a probability, 0.5 on failure.
func (c *KalshiClient) Price(ctx context.Context, marketID string) (float64, error) {
	ticker := models.VenueID(marketID)
	reqURL := c.cfg.BaseURL + "/markets/" + ticker

	var resp kalshiMarketResponse
	if err := c.rest.getJSON(ctx, reqURL, c.signHeaders("GET", reqURL, ""), &resp); err != nil {
		return 0.5, fmt.Errorf("kalshi price %s: %w", marketID, err)
	}
	return resp.Market.yesPrice(), nil
}

type kalshiOrder struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type kalshiOrderResponse struct {
	Order kalshiOrder `json:"order"`
}

// PlaceOrder submits a limit order priced in cents, or fabricates a filled
// order in paper mode.
func (c *KalshiClient) PlaceOrder(ctx context.Context, marketID, side string, size, price float64) (*models.Order, error) {
	if c.paper {
		return paperOrder(VenueKalshi, marketID, side, size, price), nil
	}

	cents := int(price*100 + 0.5)
	yesPrice := cents
	if strings.ToUpper(side) == models.SideNo {
		yesPrice = 100 - cents
	}
	payload := map[string]interface{}{
		"ticker":    models.VenueID(marketID),
		"action":    "buy",
		"side":      strings.ToLower(side),
		"count":     int(size),
		"type":      "limit",
		"yes_price": yesPrice,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kalshi order payload: %w", err)
	}
	reqURL := c.cfg.BaseURL + "/portfolio/orders"

	var resp kalshiOrderResponse
	if err := c.rest.postJSON(ctx, reqURL, c.signHeaders("POST", reqURL, string(body)), payload, &resp); err != nil {
		return nil, fmt.Errorf("kalshi place order: %w", err)
	}

	status := resp.Order.Status
	if status == "" {
		status = "open"
	}
	return &models.Order{
		OrderID:  resp.Order.OrderID,
		MarketID: marketID,
		Side:     side,
		Size:     size,
		Price:    price,
		Status:   status,
		FilledAt: time.Now().UTC(),
	}, nil
}

// ListResolved returns finalized markets closed at or after since.
func (c *KalshiClient) ListResolved(ctx context.Context, since time.Time) ([]models.Market, error) {
	if c.cfg.APIKeyID == "" {
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/markets?limit=200&status=finalized&min_close_ts=%d",
		c.cfg.BaseURL, since.Unix())

	var page kalshiMarketsPage
	if err := c.rest.getJSON(ctx, reqURL, c.signHeaders("GET", reqURL, ""), &page); err != nil {
		return nil, fmt.Errorf("kalshi list resolved: %w", err)
	}

	var resolved []models.Market
	for _, raw := range page.Markets {
		var outcome *int
		switch strings.ToLower(raw.Result) {
		case "yes", "b":
			o := 1
			outcome = &o
		case "no", "a":
			o := 0
			outcome = &o
		}

		closeTime := parseISOTime(raw.CloseTime)
		if closeTime.IsZero() {
			closeTime = since
		}
		resolved = append(resolved, models.Market{
			ID:        models.MarketID(VenueKalshi, raw.Ticker),
			Exchange:  VenueKalshi,
			Question:  raw.Title,
			VolumeUSD: raw.Volume,
			CloseTime: closeTime,
			Resolved:  true,
			Outcome:   outcome,
		})
	}
	return resolved, nil
}

// Close releases client resources.
func (c *KalshiClient) Close() error {
	c.rest.http.CloseIdleConnections()
	return nil
}
