// Package config provides configuration management for the trading agent.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	DBPath string `mapstructure:"db_path"`

	Log       LogConfig       `mapstructure:"log"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Learning  LearningConfig  `mapstructure:"learning"`
	LLM       LLMConfig       `mapstructure:"llm"`
	News      NewsConfig      `mapstructure:"news"`
	Exchanges ExchangeConfig  `mapstructure:"exchanges"`
	Schedules ScheduleConfig  `mapstructure:"schedules"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // empty means console only
}

// TradingConfig holds position sizing and execution configuration.
type TradingConfig struct {
	Mode             string  `mapstructure:"mode"` // "live", "paper"
	MinEdge          float64 `mapstructure:"min_edge"`
	KellyFraction    float64 `mapstructure:"kelly_fraction"`
	MaxPositionPct   float64 `mapstructure:"max_position_pct"`
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	VirtualBankroll  float64 `mapstructure:"virtual_bankroll"`
}

// ScanConfig holds market discovery configuration.
type ScanConfig struct {
	MinVolumeUSD    float64 `mapstructure:"min_volume_usd"`
	MinHoursToClose float64 `mapstructure:"min_hours_to_close"`
	DedupThreshold  int     `mapstructure:"dedup_threshold"`
}

// LearningConfig holds the closed-loop learning knobs.
type LearningConfig struct {
	BatchSize                int     `mapstructure:"batch_size"`
	EntropyThresholdDefault  float64 `mapstructure:"entropy_threshold_default"`
	MinOutcomesForAdaptation int     `mapstructure:"min_outcomes_for_adaptation"`
	ThresholdStep            float64 `mapstructure:"threshold_step"`
	ThresholdMin             float64 `mapstructure:"threshold_min"`
	ThresholdMax             float64 `mapstructure:"threshold_max"`
	CorrectBrierCutoff       float64 `mapstructure:"correct_brier_cutoff"`
	ModelKillBrier           float64 `mapstructure:"model_kill_brier"`
	TournamentMinTrials      int     `mapstructure:"tournament_min_trials"`
	RetireBrierGap           float64 `mapstructure:"retire_brier_gap"`
	MaxVariantsPerDomain     int     `mapstructure:"max_variants_per_domain"`
}

// ModelConfig describes one forecaster in the ensemble roster.
type ModelConfig struct {
	ID          string  `mapstructure:"id"`
	Provider    string  `mapstructure:"provider"` // anthropic, openai, deepseek
	Weight      float64 `mapstructure:"weight"`
	HasLogprobs bool    `mapstructure:"has_logprobs"`
}

// LLMConfig holds provider credentials and the forecaster roster.
type LLMConfig struct {
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key"`
	DeepSeekAPIKey  string        `mapstructure:"deepseek_api_key"`
	DeepSeekBaseURL string        `mapstructure:"deepseek_base_url"`
	Concurrency     int           `mapstructure:"concurrency"`
	ClassifierModel string        `mapstructure:"classifier_model"`
	EvolverModel    string        `mapstructure:"evolver_model"`
	Models          []ModelConfig `mapstructure:"models"`
}

// NewsConfig holds news retrieval configuration.
type NewsConfig struct {
	Provider      string `mapstructure:"provider"` // "tavily" or "brave"
	TavilyAPIKey  string `mapstructure:"tavily_api_key"`
	BraveAPIKey   string `mapstructure:"brave_api_key"`
	MaxArticles   int    `mapstructure:"max_articles"`
	LookbackHours int    `mapstructure:"lookback_hours"`
}

// ExchangeConfig holds venue connection configuration.
type ExchangeConfig struct {
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
}

// PolymarketConfig holds Polymarket API configuration.
type PolymarketConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	APIKey    string  `mapstructure:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second
}

// KalshiConfig holds Kalshi API configuration.
type KalshiConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	APIKeyID       string  `mapstructure:"api_key_id"`
	PrivateKeyPath string  `mapstructure:"private_key_path"`
}

// ScheduleConfig holds cron expressions for the periodic jobs.
type ScheduleConfig struct {
	Scan            string `mapstructure:"scan"`
	Prices          string `mapstructure:"prices"`
	Resolutions     string `mapstructure:"resolutions"`
	Forecasts       string `mapstructure:"forecasts"`
	SelfImprovement string `mapstructure:"self_improvement"`
	Tournament      string `mapstructure:"tournament"`
}

// Load reads configuration from environment variables (and a .env file if
// present), applying defaults for everything not set.
func Load() (*Config, error) {
	// Missing .env is fine, real env vars still apply.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvOverrides(cfg)

	if len(cfg.LLM.Models) == 0 {
		cfg.LLM.Models = DefaultModels()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// DefaultModels returns the built-in forecaster roster.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{ID: "claude-sonnet-4-6", Provider: "anthropic", Weight: 1.0, HasLogprobs: false},
		{ID: "gpt-4.1", Provider: "openai", Weight: 1.0, HasLogprobs: true},
		{ID: "deepseek-chat", Provider: "deepseek", Weight: 0.8, HasLogprobs: true},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "trader.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.min_edge", 0.05)
	v.SetDefault("trading.kelly_fraction", 0.25)
	v.SetDefault("trading.max_position_pct", 0.05)
	v.SetDefault("trading.max_open_positions", 20)
	v.SetDefault("trading.virtual_bankroll", 10000.0)

	v.SetDefault("scan.min_volume_usd", 10000.0)
	v.SetDefault("scan.min_hours_to_close", 48.0)
	v.SetDefault("scan.dedup_threshold", 85)

	v.SetDefault("learning.batch_size", 10)
	v.SetDefault("learning.entropy_threshold_default", 4.0)
	v.SetDefault("learning.min_outcomes_for_adaptation", 20)
	v.SetDefault("learning.threshold_step", 0.25)
	v.SetDefault("learning.threshold_min", 1.0)
	v.SetDefault("learning.threshold_max", 8.0)
	v.SetDefault("learning.correct_brier_cutoff", 0.20)
	v.SetDefault("learning.model_kill_brier", 0.28)
	v.SetDefault("learning.tournament_min_trials", 20)
	v.SetDefault("learning.retire_brier_gap", 0.05)
	v.SetDefault("learning.max_variants_per_domain", 3)

	v.SetDefault("llm.concurrency", 3)
	v.SetDefault("llm.classifier_model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.evolver_model", "gpt-4.1")
	v.SetDefault("llm.deepseek_base_url", "https://api.deepseek.com/v1")

	v.SetDefault("news.provider", "tavily")
	v.SetDefault("news.max_articles", 5)
	v.SetDefault("news.lookback_hours", 26)

	v.SetDefault("exchanges.polymarket.base_url", "https://clob.polymarket.com")
	v.SetDefault("exchanges.polymarket.rate_limit", 5.0)
	v.SetDefault("exchanges.kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("exchanges.kalshi.rate_limit", 10.0)

	v.SetDefault("schedules.scan", "0 */4 * * *")
	v.SetDefault("schedules.prices", "*/30 * * * *")
	v.SetDefault("schedules.resolutions", "0 * * * *")
	v.SetDefault("schedules.forecasts", "30 */4 * * *")
	v.SetDefault("schedules.self_improvement", "0 6 * * *")
	v.SetDefault("schedules.tournament", "0 7 * * 1")
}

// envAliases maps config keys to the bare variable names the original
// deployment used, accepted alongside the prefixed TRADING_MIN_EDGE forms.
var envAliases = map[string][]string{
	"trading.min_edge":                   {"MIN_EDGE"},
	"trading.kelly_fraction":             {"KELLY_FRACTION"},
	"trading.max_position_pct":           {"MAX_POSITION_PCT"},
	"trading.max_open_positions":         {"MAX_OPEN_POSITIONS"},
	"trading.virtual_bankroll":           {"VIRTUAL_BANKROLL"},
	"scan.min_volume_usd":                {"MIN_VOLUME_USD"},
	"scan.min_hours_to_close":            {"MIN_HOURS_TO_CLOSE"},
	"learning.batch_size":                {"LEARNING_BATCH_SIZE"},
	"learning.entropy_threshold_default": {"ENTROPY_THRESHOLD_DEFAULT"},
	"learning.tournament_min_trials":     {"PROMPT_TOURNAMENT_MIN_TRIALS"},
	"learning.model_kill_brier":          {"MODEL_KILL_BRIER"},
	"llm.classifier_model":               {"CLASSIFIER_MODEL"},
	"llm.evolver_model":                  {"PROMPT_EVOLVER_MODEL"},
	"news.provider":                      {"NEWS_SEARCH_PROVIDER"},
}

// bindEnvKeys registers every nested key with viper so AutomaticEnv picks
// up e.g. TRADING_MIN_EDGE for trading.min_edge. Keys with an alias also
// accept the bare form; the prefixed form wins when both are set.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		if aliases, ok := envAliases[key]; ok {
			prefixed := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			names := append([]string{key, prefixed}, aliases...)
			_ = v.BindEnv(names...)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// applyEnvOverrides maps the conventional provider variable names onto the
// config. These take precedence over the viper-derived forms.
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("ANTHROPIC_API_KEY"); s != "" {
		cfg.LLM.AnthropicAPIKey = s
	}
	if s := os.Getenv("OPENAI_API_KEY"); s != "" {
		cfg.LLM.OpenAIAPIKey = s
	}
	if s := os.Getenv("DEEPSEEK_API_KEY"); s != "" {
		cfg.LLM.DeepSeekAPIKey = s
	}
	if s := os.Getenv("TAVILY_API_KEY"); s != "" {
		cfg.News.TavilyAPIKey = s
	}
	if s := os.Getenv("BRAVE_API_KEY"); s != "" {
		cfg.News.BraveAPIKey = s
	}
	if s := os.Getenv("POLY_API_KEY"); s != "" {
		cfg.Exchanges.Polymarket.APIKey = s
	}
	if s := os.Getenv("KALSHI_API_KEY_ID"); s != "" {
		cfg.Exchanges.Kalshi.APIKeyID = s
	}
	if s := os.Getenv("KALSHI_PRIVATE_KEY_PATH"); s != "" {
		cfg.Exchanges.Kalshi.PrivateKeyPath = s
	}
	if s := os.Getenv("TRADING_MODE"); s != "" {
		cfg.Trading.Mode = s
	}
	// PAPER_MODE is the original deployment's switch: anything but an
	// explicit "false" keeps paper trading on.
	if s := os.Getenv("PAPER_MODE"); s != "" {
		if strings.EqualFold(s, "false") {
			cfg.Trading.Mode = "live"
		} else {
			cfg.Trading.Mode = "paper"
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return fmt.Errorf("invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.Trading.MinEdge < 0 || c.Trading.MinEdge >= 1 {
		return fmt.Errorf("trading.min_edge must be in [0, 1)")
	}
	if c.Trading.KellyFraction <= 0 || c.Trading.KellyFraction > 1 {
		return fmt.Errorf("trading.kelly_fraction must be in (0, 1]")
	}
	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct > 1 {
		return fmt.Errorf("trading.max_position_pct must be in (0, 1]")
	}
	if c.Trading.MaxOpenPositions < 1 {
		return fmt.Errorf("trading.max_open_positions must be at least 1")
	}
	if c.Learning.ThresholdMin <= 0 || c.Learning.ThresholdMax < c.Learning.ThresholdMin {
		return fmt.Errorf("learning threshold bounds invalid: [%v, %v]",
			c.Learning.ThresholdMin, c.Learning.ThresholdMax)
	}
	if c.LLM.Concurrency < 1 {
		return fmt.Errorf("llm.concurrency must be at least 1")
	}
	for _, m := range c.LLM.Models {
		switch m.Provider {
		case "anthropic", "openai", "deepseek":
		default:
			return fmt.Errorf("model %s: unknown provider %q", m.ID, m.Provider)
		}
		if m.Weight <= 0 {
			return fmt.Errorf("model %s: weight must be positive", m.ID)
		}
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// LookbackWindow returns the news recency window as a duration.
func (c *NewsConfig) LookbackWindow() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}
