// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"prediction-trader/internal/models"
)

// DataStore defines the interface for data persistence.
type DataStore interface {
	// Markets
	UpsertMarket(ctx context.Context, m *models.Market) error
	UpsertMarkets(ctx context.Context, markets []models.Market) error
	GetMarket(ctx context.Context, id string) (*models.Market, error)
	GetActiveMarkets(ctx context.Context, exchange string) ([]models.Market, error)
	GetUnforecastedMarkets(ctx context.Context, maxAge time.Duration) ([]models.Market, error)
	UpdateMarketPrice(ctx context.Context, id string, price float64) error
	SetMarketDomain(ctx context.Context, id string, domain models.Domain) error
	MarkResolved(ctx context.Context, id string, outcome int) error

	// Forecasts
	SaveForecasts(ctx context.Context, forecasts []models.Forecast) (int64, error)
	GetForecasts(ctx context.Context, marketID string) ([]models.Forecast, error)
	GetLatestForecast(ctx context.Context, marketID string) (*models.Forecast, error)
	GetForecastEntropies(ctx context.Context, ids []int64) (map[int64]float64, error)

	// Trades
	SaveTrade(ctx context.Context, trade *models.Trade) error
	CountOpenPositions(ctx context.Context) (int, error)
	HasPosition(ctx context.Context, marketID string) (bool, error)
	GetOpenTrades(ctx context.Context) ([]models.Trade, error)

	// Outcomes
	SaveOutcome(ctx context.Context, outcome *models.Outcome) error
	GetOutcomesSince(ctx context.Context, since time.Time) ([]models.Outcome, error)

	// Calibration state
	UpsertCalibration(ctx context.Context, c *models.CalibrationState) error
	GetCalibration(ctx context.Context) ([]models.CalibrationState, error)
	UpdateDomainThreshold(ctx context.Context, domain models.Domain, tau float64) error

	// Model weights
	UpsertModelWeight(ctx context.Context, w *models.ModelWeight) error
	GetModelWeights(ctx context.Context) (map[string]models.ModelWeight, error)

	// Prompt experiments
	SeedPrompts(ctx context.Context, prompts []models.PromptExperiment) error
	SavePrompt(ctx context.Context, p *models.PromptExperiment) error
	GetActivePrompts(ctx context.Context, domain models.Domain) ([]models.PromptExperiment, error)
	RetirePrompt(ctx context.Context, version string) error

	// Portfolio
	GetPortfolio(ctx context.Context) (*models.PortfolioState, error)
	UpdatePortfolio(ctx context.Context, cash, totalValue float64) error

	// LLM costs
	LogLLMCost(ctx context.Context, cost *models.LLMCost) error
	TotalLLMSpend(ctx context.Context) (float64, error)

	// Lifecycle
	Close() error
}
