package models

import "time"

// Confidence tiers derived from ensemble entropy.
const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)

// Forecast is one model's probability estimate for a market, stored once per
// (market, model) per forecast run. Ensemble fields are duplicated onto every
// row of the run. Immutable after insert.
type Forecast struct {
	ID                  int64
	MarketID            string
	Model               string
	PromptVersion       string
	RawProbability      float64 // 0-1
	Entropy             float64 // bits
	EnsembleProbability float64
	ConfidenceTier      string
	ReasoningExcerpt    string // <= 500 chars
	NewsUsed            bool
	CreatedAt           time.Time
}

// Outcome records the resolution of a market against one prior forecast.
// Brier = (PredictedProb - ActualOutcome)^2.
type Outcome struct {
	ID            int64
	MarketID      string
	ForecastID    int64
	Domain        Domain
	Model         string
	PromptVersion string
	PredictedProb float64
	ActualOutcome int // 0 or 1
	Brier         float64
	ResolvedAt    time.Time
}

// LLMCost is an append-only record of one provider call.
type LLMCost struct {
	ID           int64
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	CallType     string // "forecast" | "classify" | "evolve"
	CreatedAt    time.Time
}
