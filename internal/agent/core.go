// Package agent wires the scanner, forecast pipeline, learning loop, and
// trading core into a periodic job schedule.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"prediction-trader/internal/agents"
	"prediction-trader/internal/config"
	"prediction-trader/internal/exchange"
	"prediction-trader/internal/learning"
	"prediction-trader/internal/models"
	"prediction-trader/internal/store"
	"prediction-trader/internal/trading"
)

// Core owns every component and the only two pieces of per-process mutable
// state: the LLM concurrency semaphore (inside the forecaster) and the
// outcome counter driving incremental learning.
type Core struct {
	cfg        *config.Config
	store      store.DataStore
	clients    []exchange.Client
	scanner    *exchange.Scanner
	classifier *agents.Classifier
	news       *agents.NewsFetcher
	forecaster *agents.Forecaster
	calibrator *learning.Calibrator
	selector   *learning.Selector
	threshold  *learning.ThresholdAdapter
	tracker    *learning.Tracker
	evolver    *learning.Evolver
	executor   *trading.Executor
	portfolio  *trading.Portfolio
	logger     zerolog.Logger

	cron *cron.Cron

	mu          sync.Mutex
	newOutcomes int
}

// NewCore builds the full component graph on top of an opened store.
func NewCore(cfg *config.Config, st store.DataStore, logger zerolog.Logger) *Core {
	paper := cfg.IsPaperMode()
	clients := []exchange.Client{
		exchange.NewPolymarketClient(cfg.Exchanges.Polymarket, cfg.Scan, paper, logger),
		exchange.NewKalshiClient(cfg.Exchanges.Kalshi, cfg.Scan, paper, logger),
	}

	providers := agents.NewProviders(cfg.LLM)
	portfolio := trading.NewPortfolio(st, logger)

	return &Core{
		cfg:        cfg,
		store:      st,
		clients:    clients,
		scanner:    exchange.NewScanner(st, clients, cfg.Scan.DedupThreshold, logger),
		classifier: agents.NewClassifier(providers, cfg.LLM.ClassifierModel, st, logger),
		news:       agents.NewNewsFetcher(cfg.News, logger),
		forecaster: agents.NewForecaster(providers, cfg.LLM.Models, cfg.LLM.Concurrency, cfg.Learning.EntropyThresholdDefault, st, logger),
		calibrator: learning.NewCalibrator(st, cfg.Learning, logger),
		selector:   learning.NewSelector(st, cfg.LLM.Models, cfg.Learning, logger),
		threshold:  learning.NewThresholdAdapter(st, cfg.Learning, logger),
		tracker:    learning.NewTracker(st, clients, cfg.News.LookbackWindow(), logger),
		evolver:    learning.NewEvolver(st, providers, cfg.LLM.EvolverModel, cfg.Learning, logger),
		executor:   trading.NewExecutor(st, clients, portfolio, cfg.Trading, logger),
		portfolio:  portfolio,
		logger:     logger.With().Str("component", "agent").Logger(),
	}
}

// LoadState restores persisted learning state on startup: seeds the initial
// prompt pool, reads the model weights, and prints the portfolio summary.
func (c *Core) LoadState(ctx context.Context) error {
	if err := c.evolver.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed prompts: %w", err)
	}
	weights, err := c.selector.CurrentWeights(ctx)
	if err != nil {
		return fmt.Errorf("failed to load model weights: %w", err)
	}
	c.logger.Info().Interface("model_weights", weights).Msg("state loaded")
	return c.portfolio.Summary(ctx)
}

// Start registers the six periodic jobs and launches the scheduler, then
// fires an immediate scan and forecast pass.
func (c *Core) Start(ctx context.Context) error {
	c.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"scan_markets", c.cfg.Schedules.Scan, c.ScanMarkets},
		{"update_prices", c.cfg.Schedules.Prices, c.UpdatePrices},
		{"check_resolutions", c.cfg.Schedules.Resolutions, c.CheckResolutions},
		{"run_forecasts", c.cfg.Schedules.Forecasts, c.RunForecasts},
		{"self_improvement", c.cfg.Schedules.SelfImprovement, c.SelfImprove},
		{"prompt_tournament", c.cfg.Schedules.Tournament, c.RunTournaments},
	}
	for _, j := range jobs {
		job := j
		_, err := c.cron.AddFunc(job.schedule, func() {
			c.logger.Debug().Str("job", job.name).Msg("job started")
			job.run(ctx)
			c.logger.Debug().Str("job", job.name).Msg("job finished")
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
		c.logger.Info().Str("job", job.name).Str("schedule", job.schedule).Msg("job registered")
	}

	c.cron.Start()

	c.ScanMarkets(ctx)
	c.RunForecasts(ctx)
	c.logger.Info().Msg("scheduler running")
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs to finish, then
// closes the exchange clients.
func (c *Core) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	for _, client := range c.clients {
		if err := client.Close(); err != nil {
			c.logger.Warn().Err(err).Str("venue", client.Name()).Msg("failed to close client")
		}
	}
	c.logger.Info().Msg("scheduler stopped")
}

// ScanMarkets sweeps every venue for tradeable markets.
func (c *Core) ScanMarkets(ctx context.Context) {
	markets, err := c.scanner.Scan(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("scan_markets failed")
		return
	}
	c.logger.Info().Int("markets", len(markets)).Msg("scan_markets complete")
}

// UpdatePrices refreshes quotes for the active set and revalues the
// portfolio against them.
func (c *Core) UpdatePrices(ctx context.Context) {
	if err := c.scanner.RefreshPrices(ctx); err != nil {
		c.logger.Error().Err(err).Msg("update_prices failed")
		return
	}
	if _, err := c.portfolio.RecomputeTotalValue(ctx); err != nil {
		c.logger.Error().Err(err).Msg("portfolio revaluation failed")
	}
}

// CheckResolutions polls venues for resolved markets and records outcomes.
// Accumulated outcomes past the learning batch size trigger an incremental
// calibration pass.
func (c *Core) CheckResolutions(ctx context.Context) {
	count, err := c.tracker.CheckResolutions(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("check_resolutions failed")
		return
	}

	c.mu.Lock()
	c.newOutcomes += count
	total := c.newOutcomes
	fire := total >= c.cfg.Learning.BatchSize
	if fire {
		c.newOutcomes = 0
	}
	c.mu.Unlock()

	c.logger.Info().Int("new", count).Int("since_learning", total).Msg("check_resolutions complete")

	if fire {
		c.logger.Info().Msg("learning batch size reached, running incremental calibration")
		if err := c.calibrator.Run(ctx); err != nil {
			c.logger.Error().Err(err).Msg("incremental calibration failed")
		}
		if _, err := c.threshold.Run(ctx); err != nil {
			c.logger.Error().Err(err).Msg("incremental threshold adaptation failed")
		}
	}
}

// SelfImprove runs the full daily learning cycle: domain calibration, model
// selection, and threshold adaptation.
func (c *Core) SelfImprove(ctx context.Context) {
	if err := c.calibrator.Run(ctx); err != nil {
		c.logger.Error().Err(err).Msg("calibration failed")
	}
	if _, err := c.selector.Run(ctx); err != nil {
		c.logger.Error().Err(err).Msg("model selection failed")
	}
	if _, err := c.threshold.Run(ctx); err != nil {
		c.logger.Error().Err(err).Msg("threshold adaptation failed")
	}
	c.logger.Info().Msg("self_improvement complete")
}

// RunTournaments runs the prompt tournament for the global pool and then
// each domain in priority order.
func (c *Core) RunTournaments(ctx context.Context) {
	if err := c.evolver.RunTournament(ctx, ""); err != nil {
		c.logger.Error().Err(err).Msg("global prompt tournament failed")
	}
	for _, d := range models.DomainPriority {
		if err := c.evolver.RunTournament(ctx, d); err != nil {
			c.logger.Error().Err(err).Str("domain", string(d)).Msg("prompt tournament failed")
		}
	}
	c.logger.Info().Msg("prompt_tournament complete")
}
