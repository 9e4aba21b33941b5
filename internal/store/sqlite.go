package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"prediction-trader/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath, applies
// the schema idempotently and seeds the singleton portfolio row with the
// given bankroll.
func NewSQLiteStore(dbPath string, bankroll float64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(bankroll); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes and seeds the
// portfolio singleton.
func (s *SQLiteStore) initSchema(bankroll float64) error {
	schema := `
	-- Binary prediction markets across venues
	CREATE TABLE IF NOT EXISTS markets (
		id TEXT PRIMARY KEY,
		exchange TEXT NOT NULL,
		question TEXT NOT NULL,
		domain TEXT,
		url TEXT,
		market_price REAL NOT NULL DEFAULT 0,
		volume_usd REAL NOT NULL DEFAULT 0,
		close_time DATETIME,
		resolved INTEGER NOT NULL DEFAULT 0,
		outcome INTEGER,
		dedup_group TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per (market, model) per forecast run
	CREATE TABLE IF NOT EXISTS forecasts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		market_id TEXT NOT NULL,
		model TEXT NOT NULL,
		prompt_version TEXT,
		raw_probability REAL NOT NULL,
		entropy REAL NOT NULL,
		ensemble_probability REAL NOT NULL,
		confidence_tier TEXT NOT NULL,
		reasoning_excerpt TEXT,
		news_used INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (market_id) REFERENCES markets(id)
	);

	-- Executed positions, one per market
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		market_id TEXT NOT NULL,
		forecast_id INTEGER,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL,
		size_units REAL NOT NULL,
		price REAL NOT NULL,
		kelly_fraction REAL NOT NULL,
		edge REAL NOT NULL,
		is_paper INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (market_id) REFERENCES markets(id)
	);

	-- Resolution records, one per forecast of a resolved market
	CREATE TABLE IF NOT EXISTS outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		market_id TEXT NOT NULL,
		forecast_id INTEGER NOT NULL,
		domain TEXT,
		model TEXT NOT NULL,
		prompt_version TEXT,
		predicted_prob REAL NOT NULL,
		actual_outcome INTEGER NOT NULL,
		brier REAL NOT NULL,
		resolved_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (forecast_id) REFERENCES forecasts(id)
	);

	-- Per-(domain, model) calibration and entropy thresholds
	CREATE TABLE IF NOT EXISTS calibration_state (
		domain TEXT NOT NULL,
		model TEXT NOT NULL,
		brier_score REAL NOT NULL DEFAULT 0,
		n_resolved INTEGER NOT NULL DEFAULT 0,
		domain_weight REAL NOT NULL DEFAULT 1.0,
		entropy_threshold REAL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (domain, model)
	);

	-- Ensemble weight per model
	CREATE TABLE IF NOT EXISTS model_weights (
		model TEXT PRIMARY KEY,
		weight REAL NOT NULL DEFAULT 1.0,
		rolling_brier REAL,
		n_resolved INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Prompt variants competing in the tournament
	CREATE TABLE IF NOT EXISTS prompt_experiments (
		prompt_version TEXT PRIMARY KEY,
		domain TEXT,
		prompt_template TEXT NOT NULL,
		n_trials INTEGER NOT NULL DEFAULT 0,
		n_wins INTEGER NOT NULL DEFAULT 0,
		mean_brier REAL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Singleton bankroll snapshot
	CREATE TABLE IF NOT EXISTS portfolio_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cash REAL NOT NULL,
		total_value REAL NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only provider spend ledger
	CREATE TABLE IF NOT EXISTS llm_costs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		call_type TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Create indexes for performance
	CREATE INDEX IF NOT EXISTS idx_markets_resolved ON markets(resolved);
	CREATE INDEX IF NOT EXISTS idx_markets_exchange ON markets(exchange);
	CREATE INDEX IF NOT EXISTS idx_forecasts_market ON forecasts(market_id);
	CREATE INDEX IF NOT EXISTS idx_forecasts_created ON forecasts(created_at);
	CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_resolved_at ON outcomes(resolved_at);
	CREATE INDEX IF NOT EXISTS idx_outcomes_model ON outcomes(model);
	CREATE INDEX IF NOT EXISTS idx_prompts_domain ON prompt_experiments(domain);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO portfolio_state (id, cash, total_value) VALUES (1, ?, ?)
	`, bankroll, bankroll)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ============================================================================
// Markets Methods
// ============================================================================

const marketColumns = `id, exchange, question, domain, url, market_price, volume_usd, close_time, resolved, outcome, dedup_group, updated_at`

const marketUpsert = `
	INSERT INTO markets (id, exchange, question, domain, url, market_price, volume_usd, close_time, dedup_group, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		question = excluded.question,
		url = excluded.url,
		market_price = excluded.market_price,
		volume_usd = excluded.volume_usd,
		close_time = excluded.close_time,
		domain = COALESCE(excluded.domain, domain),
		dedup_group = COALESCE(excluded.dedup_group, dedup_group),
		updated_at = excluded.updated_at
`

// UpsertMarket inserts or updates a market. The earliest-set domain and
// dedup_group survive later upserts that carry no value for them.
func (s *SQLiteStore) UpsertMarket(ctx context.Context, m *models.Market) error {
	_, err := s.db.ExecContext(ctx, marketUpsert,
		m.ID, m.Exchange, m.Question, nullStr(string(m.Domain)), nullStr(m.URL),
		m.MarketPrice, m.VolumeUSD, m.CloseTime, nullStr(m.DedupGroup), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert market %s: %w", m.ID, err)
	}
	return nil
}

// UpsertMarkets upserts a batch of markets in one transaction.
func (s *SQLiteStore) UpsertMarkets(ctx context.Context, markets []models.Market) error {
	if len(markets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, marketUpsert)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range markets {
		m := &markets[i]
		_, err := stmt.ExecContext(ctx,
			m.ID, m.Exchange, m.Question, nullStr(string(m.Domain)), nullStr(m.URL),
			m.MarketPrice, m.VolumeUSD, m.CloseTime, nullStr(m.DedupGroup), now)
		if err != nil {
			return fmt.Errorf("failed to upsert market %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner) (*models.Market, error) {
	var m models.Market
	var domain, url, dedup sql.NullString
	var closeTime sql.NullTime
	var resolved int
	var outcome sql.NullInt64

	err := row.Scan(&m.ID, &m.Exchange, &m.Question, &domain, &url, &m.MarketPrice,
		&m.VolumeUSD, &closeTime, &resolved, &outcome, &dedup, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Domain = models.Domain(domain.String)
	m.URL = url.String
	m.DedupGroup = dedup.String
	if closeTime.Valid {
		m.CloseTime = closeTime.Time
	}
	m.Resolved = resolved == 1
	if outcome.Valid {
		o := int(outcome.Int64)
		m.Outcome = &o
	}
	return &m, nil
}

// GetMarket retrieves a market by id, or nil when absent.
func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = ?`, id)
	m, err := scanMarket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	return m, nil
}

// GetActiveMarkets retrieves unresolved markets, optionally filtered by exchange.
func (s *SQLiteStore) GetActiveMarkets(ctx context.Context, exchange string) ([]models.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets WHERE resolved = 0`
	args := []interface{}{}
	if exchange != "" {
		query += " AND exchange = ?"
		args = append(args, exchange)
	}
	query += " ORDER BY volume_usd DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active markets: %w", err)
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, *m)
	}

	return markets, rows.Err()
}

// GetUnforecastedMarkets retrieves unresolved markets with no forecast newer
// than maxAge.
func (s *SQLiteStore) GetUnforecastedMarkets(ctx context.Context, maxAge time.Duration) ([]models.Market, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+marketColumns+` FROM markets
		WHERE resolved = 0
		AND id NOT IN (SELECT market_id FROM forecasts WHERE created_at >= ?)
		ORDER BY volume_usd DESC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query unforecasted markets: %w", err)
	}
	defer rows.Close()

	var markets []models.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, *m)
	}

	return markets, rows.Err()
}

// UpdateMarketPrice updates only the quoted price of a market.
func (s *SQLiteStore) UpdateMarketPrice(ctx context.Context, id string, price float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE markets SET market_price = ?, updated_at = ? WHERE id = ?
	`, price, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update market price: %w", err)
	}
	return nil
}

// SetMarketDomain persists a classified domain.
func (s *SQLiteStore) SetMarketDomain(ctx context.Context, id string, domain models.Domain) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE markets SET domain = ?, updated_at = ? WHERE id = ?
	`, string(domain), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set market domain: %w", err)
	}
	return nil
}

// MarkResolved marks a market resolved with its binary outcome.
func (s *SQLiteStore) MarkResolved(ctx context.Context, id string, outcome int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE markets SET resolved = 1, outcome = ?, updated_at = ? WHERE id = ?
	`, outcome, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark market resolved: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("market not found: %s", id)
	}

	return nil
}

// ============================================================================
// Forecasts Methods
// ============================================================================

// SaveForecasts inserts one forecast row per model in a single transaction
// and returns the id of the last inserted row.
func (s *SQLiteStore) SaveForecasts(ctx context.Context, forecasts []models.Forecast) (int64, error) {
	if len(forecasts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forecasts (market_id, model, prompt_version, raw_probability, entropy, ensemble_probability, confidence_tier, reasoning_excerpt, news_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	var lastID int64
	now := time.Now().UTC()
	for i := range forecasts {
		f := &forecasts[i]
		newsUsed := 0
		if f.NewsUsed {
			newsUsed = 1
		}
		res, err := stmt.ExecContext(ctx, f.MarketID, f.Model, f.PromptVersion,
			f.RawProbability, f.Entropy, f.EnsembleProbability, f.ConfidenceTier,
			f.ReasoningExcerpt, newsUsed, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert forecast: %w", err)
		}
		lastID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return lastID, nil
}

const forecastColumns = `id, market_id, model, prompt_version, raw_probability, entropy, ensemble_probability, confidence_tier, reasoning_excerpt, news_used, created_at`

func scanForecast(row rowScanner) (*models.Forecast, error) {
	var f models.Forecast
	var promptVersion, excerpt sql.NullString
	var newsUsed int

	err := row.Scan(&f.ID, &f.MarketID, &f.Model, &promptVersion, &f.RawProbability,
		&f.Entropy, &f.EnsembleProbability, &f.ConfidenceTier, &excerpt, &newsUsed, &f.CreatedAt)
	if err != nil {
		return nil, err
	}

	f.PromptVersion = promptVersion.String
	f.ReasoningExcerpt = excerpt.String
	f.NewsUsed = newsUsed == 1
	return &f, nil
}

// GetForecasts retrieves all forecasts for a market, oldest first.
func (s *SQLiteStore) GetForecasts(ctx context.Context, marketID string) ([]models.Forecast, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+forecastColumns+` FROM forecasts WHERE market_id = ? ORDER BY id ASC
	`, marketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %w", err)
	}
	defer rows.Close()

	var forecasts []models.Forecast
	for rows.Next() {
		f, err := scanForecast(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}
		forecasts = append(forecasts, *f)
	}

	return forecasts, rows.Err()
}

// GetLatestForecast retrieves a market's most recent forecast row, or nil.
func (s *SQLiteStore) GetLatestForecast(ctx context.Context, marketID string) (*models.Forecast, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+forecastColumns+` FROM forecasts WHERE market_id = ? ORDER BY id DESC LIMIT 1
	`, marketID)
	f, err := scanForecast(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest forecast: %w", err)
	}
	return f, nil
}

// GetForecastEntropies returns an id -> entropy map for the given forecast ids.
func (s *SQLiteStore) GetForecastEntropies(ctx context.Context, ids []int64) (map[int64]float64, error) {
	entropies := make(map[int64]float64, len(ids))
	if len(ids) == 0 {
		return entropies, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entropy FROM forecasts WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecast entropies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var entropy float64
		if err := rows.Scan(&id, &entropy); err != nil {
			return nil, fmt.Errorf("failed to scan entropy: %w", err)
		}
		entropies[id] = entropy
	}

	return entropies, rows.Err()
}

// ============================================================================
// Trades Methods
// ============================================================================

// SaveTrade inserts a trade row.
func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	isPaper := 0
	if trade.IsPaper {
		isPaper = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (market_id, forecast_id, exchange, side, size_units, price, kelly_fraction, edge, is_paper, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.MarketID, trade.ForecastID, trade.Exchange, trade.Side, trade.SizeUnits,
		trade.Price, trade.KellyFraction, trade.Edge, isPaper, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}

	trade.ID, _ = res.LastInsertId()
	return nil
}

// CountOpenPositions counts trades whose market has not resolved.
func (s *SQLiteStore) CountOpenPositions(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades t
		JOIN markets m ON m.id = t.market_id
		WHERE m.resolved = 0
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open positions: %w", err)
	}
	return count, nil
}

// HasPosition reports whether any trade exists on the market.
func (s *SQLiteStore) HasPosition(ctx context.Context, marketID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades WHERE market_id = ?
	`, marketID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check position: %w", err)
	}
	return count > 0, nil
}

// GetOpenTrades retrieves trades on still-unresolved markets.
func (s *SQLiteStore) GetOpenTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.market_id, t.forecast_id, t.exchange, t.side, t.size_units, t.price, t.kelly_fraction, t.edge, t.is_paper, t.created_at
		FROM trades t
		JOIN markets m ON m.id = t.market_id
		WHERE m.resolved = 0
		ORDER BY t.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var forecastID sql.NullInt64
		var isPaper int
		if err := rows.Scan(&t.ID, &t.MarketID, &forecastID, &t.Exchange, &t.Side,
			&t.SizeUnits, &t.Price, &t.KellyFraction, &t.Edge, &isPaper, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.ForecastID = forecastID.Int64
		t.IsPaper = isPaper == 1
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// ============================================================================
// Outcomes Methods
// ============================================================================

// SaveOutcome inserts an outcome row.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, outcome *models.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (market_id, forecast_id, domain, model, prompt_version, predicted_prob, actual_outcome, brier, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, outcome.MarketID, outcome.ForecastID, nullStr(string(outcome.Domain)), outcome.Model,
		nullStr(outcome.PromptVersion), outcome.PredictedProb, outcome.ActualOutcome,
		outcome.Brier, outcome.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

// GetOutcomesSince retrieves outcomes resolved at or after the given time.
func (s *SQLiteStore) GetOutcomesSince(ctx context.Context, since time.Time) ([]models.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, forecast_id, domain, model, prompt_version, predicted_prob, actual_outcome, brier, resolved_at
		FROM outcomes WHERE resolved_at >= ? ORDER BY resolved_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.Outcome
	for rows.Next() {
		var o models.Outcome
		var domain, promptVersion sql.NullString
		if err := rows.Scan(&o.ID, &o.MarketID, &o.ForecastID, &domain, &o.Model,
			&promptVersion, &o.PredictedProb, &o.ActualOutcome, &o.Brier, &o.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Domain = models.Domain(domain.String)
		o.PromptVersion = promptVersion.String
		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

// ============================================================================
// Calibration Methods
// ============================================================================

// UpsertCalibration writes a (domain, model) calibration row. An existing
// entropy threshold survives upserts that carry none.
func (s *SQLiteStore) UpsertCalibration(ctx context.Context, c *models.CalibrationState) error {
	var threshold interface{}
	if c.EntropyThreshold != nil {
		threshold = *c.EntropyThreshold
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calibration_state (domain, model, brier_score, n_resolved, domain_weight, entropy_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, model) DO UPDATE SET
			brier_score = excluded.brier_score,
			n_resolved = excluded.n_resolved,
			domain_weight = excluded.domain_weight,
			entropy_threshold = COALESCE(excluded.entropy_threshold, entropy_threshold),
			updated_at = excluded.updated_at
	`, string(c.Domain), c.Model, c.BrierScore, c.NResolved, c.DomainWeight, threshold, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert calibration: %w", err)
	}
	return nil
}

// GetCalibration retrieves all calibration rows.
func (s *SQLiteStore) GetCalibration(ctx context.Context) ([]models.CalibrationState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, model, brier_score, n_resolved, domain_weight, entropy_threshold, updated_at
		FROM calibration_state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query calibration: %w", err)
	}
	defer rows.Close()

	var states []models.CalibrationState
	for rows.Next() {
		var c models.CalibrationState
		var domain string
		var threshold sql.NullFloat64
		if err := rows.Scan(&domain, &c.Model, &c.BrierScore, &c.NResolved,
			&c.DomainWeight, &threshold, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calibration: %w", err)
		}
		c.Domain = models.Domain(domain)
		if threshold.Valid {
			v := threshold.Float64
			c.EntropyThreshold = &v
		}
		states = append(states, c)
	}

	return states, rows.Err()
}

// UpdateDomainThreshold writes tau onto every existing calibration row of
// the domain. Domains with no rows acquire none.
func (s *SQLiteStore) UpdateDomainThreshold(ctx context.Context, domain models.Domain, tau float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calibration_state SET entropy_threshold = ?, updated_at = ? WHERE domain = ?
	`, tau, time.Now().UTC(), string(domain))
	if err != nil {
		return fmt.Errorf("failed to update domain threshold: %w", err)
	}
	return nil
}

// ============================================================================
// Model Weights Methods
// ============================================================================

// UpsertModelWeight writes a model's ensemble weight.
func (s *SQLiteStore) UpsertModelWeight(ctx context.Context, w *models.ModelWeight) error {
	var brier interface{}
	if w.RollingBrier != nil {
		brier = *w.RollingBrier
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_weights (model, weight, rolling_brier, n_resolved, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(model) DO UPDATE SET
			weight = excluded.weight,
			rolling_brier = excluded.rolling_brier,
			n_resolved = excluded.n_resolved,
			updated_at = excluded.updated_at
	`, w.Model, w.Weight, brier, w.NResolved, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert model weight: %w", err)
	}
	return nil
}

// GetModelWeights retrieves all persisted model weights keyed by model id.
func (s *SQLiteStore) GetModelWeights(ctx context.Context) (map[string]models.ModelWeight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, weight, rolling_brier, n_resolved, updated_at FROM model_weights
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query model weights: %w", err)
	}
	defer rows.Close()

	weights := make(map[string]models.ModelWeight)
	for rows.Next() {
		var w models.ModelWeight
		var brier sql.NullFloat64
		if err := rows.Scan(&w.Model, &w.Weight, &brier, &w.NResolved, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model weight: %w", err)
		}
		if brier.Valid {
			v := brier.Float64
			w.RollingBrier = &v
		}
		weights[w.Model] = w
	}

	return weights, rows.Err()
}

// ============================================================================
// Prompt Experiments Methods
// ============================================================================

// SeedPrompts inserts built-in prompt variants; existing rows are untouched,
// so seeding twice is a no-op.
func (s *SQLiteStore) SeedPrompts(ctx context.Context, prompts []models.PromptExperiment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range prompts {
		p := &prompts[i]
		active := 0
		if p.Active {
			active = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO prompt_experiments (prompt_version, domain, prompt_template, n_trials, n_wins, active)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.Version, nullStr(string(p.Domain)), p.Template, p.NTrials, p.NWins, active)
		if err != nil {
			return fmt.Errorf("failed to seed prompt %s: %w", p.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// SavePrompt inserts or replaces a prompt variant.
func (s *SQLiteStore) SavePrompt(ctx context.Context, p *models.PromptExperiment) error {
	active := 0
	if p.Active {
		active = 1
	}
	var brier interface{}
	if p.MeanBrier != nil {
		brier = *p.MeanBrier
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_experiments (prompt_version, domain, prompt_template, n_trials, n_wins, mean_brier, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(prompt_version) DO UPDATE SET
			domain = excluded.domain,
			prompt_template = excluded.prompt_template,
			n_trials = excluded.n_trials,
			n_wins = excluded.n_wins,
			mean_brier = excluded.mean_brier,
			active = excluded.active
	`, p.Version, nullStr(string(p.Domain)), p.Template, p.NTrials, p.NWins, brier, active)
	if err != nil {
		return fmt.Errorf("failed to save prompt: %w", err)
	}
	return nil
}

// GetActivePrompts retrieves active variants for a domain; the empty domain
// selects global (null-domain) variants.
func (s *SQLiteStore) GetActivePrompts(ctx context.Context, domain models.Domain) ([]models.PromptExperiment, error) {
	query := `SELECT prompt_version, domain, prompt_template, n_trials, n_wins, mean_brier, active, created_at
		FROM prompt_experiments WHERE active = 1 AND `
	args := []interface{}{}
	if domain == "" {
		query += "domain IS NULL"
	} else {
		query += "domain = ?"
		args = append(args, string(domain))
	}
	query += " ORDER BY prompt_version ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompts: %w", err)
	}
	defer rows.Close()

	var prompts []models.PromptExperiment
	for rows.Next() {
		var p models.PromptExperiment
		var dom sql.NullString
		var brier sql.NullFloat64
		var active int
		if err := rows.Scan(&p.Version, &dom, &p.Template, &p.NTrials, &p.NWins,
			&brier, &active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		p.Domain = models.Domain(dom.String)
		if brier.Valid {
			v := brier.Float64
			p.MeanBrier = &v
		}
		p.Active = active == 1
		prompts = append(prompts, p)
	}

	return prompts, rows.Err()
}

// RetirePrompt deactivates a variant.
func (s *SQLiteStore) RetirePrompt(ctx context.Context, version string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE prompt_experiments SET active = 0 WHERE prompt_version = ?
	`, version)
	if err != nil {
		return fmt.Errorf("failed to retire prompt: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("prompt not found: %s", version)
	}

	return nil
}

// ============================================================================
// Portfolio Methods
// ============================================================================

// GetPortfolio retrieves the singleton portfolio row.
func (s *SQLiteStore) GetPortfolio(ctx context.Context) (*models.PortfolioState, error) {
	var p models.PortfolioState
	err := s.db.QueryRowContext(ctx, `
		SELECT cash, total_value, updated_at FROM portfolio_state WHERE id = 1
	`).Scan(&p.Cash, &p.TotalValue, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return &p, nil
}

// UpdatePortfolio writes the singleton portfolio row.
func (s *SQLiteStore) UpdatePortfolio(ctx context.Context, cash, totalValue float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE portfolio_state SET cash = ?, total_value = ?, updated_at = ? WHERE id = 1
	`, cash, totalValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update portfolio: %w", err)
	}
	return nil
}

// ============================================================================
// LLM Costs Methods
// ============================================================================

// LogLLMCost appends a provider spend record.
func (s *SQLiteStore) LogLLMCost(ctx context.Context, cost *models.LLMCost) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_costs (model, input_tokens, output_tokens, cost_usd, call_type)
		VALUES (?, ?, ?, ?, ?)
	`, cost.Model, cost.InputTokens, cost.OutputTokens, cost.CostUSD, cost.CallType)
	if err != nil {
		return fmt.Errorf("failed to log llm cost: %w", err)
	}
	return nil
}

// TotalLLMSpend returns the cumulative provider spend in USD.
func (s *SQLiteStore) TotalLLMSpend(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(cost_usd) FROM llm_costs`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum llm costs: %w", err)
	}
	return total.Float64, nil
}
