// Package config provides configuration management for the bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Decision rule defaults, applied when the rules section leaves them unset.
const (
	// defaultProfitTargetPct is the buy-to-close profit threshold.
	defaultProfitTargetPct = 50.0
	// defaultBTCMaxDTE is the expiry window (in days) for the BTC recommendation.
	defaultBTCMaxDTE = 7
	// defaultStrikeProximityPct triggers the roll-watch recommendation.
	defaultStrikeProximityPct = 4.0
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Rules       RulesConfig       `yaml:"rules"`
	Storage     StorageConfig     `yaml:"storage"`
	TradeLog    TradeLogConfig    `yaml:"trade_log"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// TelegramConfig defines the chat delivery settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	// PublicChatID is the shared channel for end-of-day posts. Zero disables
	// the public post; per-user DMs still go out.
	PublicChatID int64 `yaml:"public_chat_id"`
}

// MarketDataConfig defines the EODHD API settings.
type MarketDataConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // REST endpoint; empty uses the production default
	WSURL   string `yaml:"ws_url"`   // websocket endpoint; empty uses the production default
}

// ScheduleConfig defines report timing and market hours.
type ScheduleConfig struct {
	Timezone      string `yaml:"timezone"`       // e.g., "America/New_York"
	EODTime       string `yaml:"eod_time"`       // "HH:MM", end-of-day report time
	MarketOpen    string `yaml:"market_open"`    // "HH:MM"
	MarketClose   string `yaml:"market_close"`   // "HH:MM"
	AlertInterval string `yaml:"alert_interval"` // intraday alert cadence, e.g. "1m"
}

// RulesConfig overrides the decision rule defaults.
type RulesConfig struct {
	ProfitTargetPct    float64 `yaml:"profit_target_pct"`
	BTCMaxDTE          int     `yaml:"btc_max_dte"`
	StrikeProximityPct float64 `yaml:"strike_proximity_pct"`
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// TradeLogConfig defines where the per-user CSV trade logs live.
type TradeLogConfig struct {
	Dir string `yaml:"dir"`
}

// DashboardConfig defines the read-only HTTP status server.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // e.g., ":9847"
	AuthToken  string `yaml:"auth_token"`  // empty disables auth
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the working directory is loaded first so that
// ${VAR} references in the YAML resolve from it.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Missing .env is fine; real deployments may export vars directly.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.MarketData.APIKey == "" {
		return fmt.Errorf("market_data.api_key is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.TradeLog.Dir == "" {
		return fmt.Errorf("trade_log.dir is required")
	}

	c.normalizeRules()
	if c.Rules.ProfitTargetPct <= 0 || c.Rules.ProfitTargetPct >= 100 {
		return fmt.Errorf("rules.profit_target_pct must be in (0,100)")
	}
	if c.Rules.BTCMaxDTE < 0 {
		return fmt.Errorf("rules.btc_max_dte must be >= 0")
	}
	if c.Rules.StrikeProximityPct <= 0 {
		return fmt.Errorf("rules.strike_proximity_pct must be > 0")
	}

	c.normalizeSchedule()
	loc := c.Location()
	if _, err := time.ParseInLocation("15:04", c.Schedule.EODTime, loc); err != nil {
		return fmt.Errorf("schedule.eod_time invalid: %w", err)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule market window invalid (open/close parse/order)")
	}
	if _, err := time.ParseDuration(c.Schedule.AlertInterval); err != nil {
		return fmt.Errorf("schedule.alert_interval invalid: %w", err)
	}

	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		return fmt.Errorf("dashboard.listen_addr is required when the dashboard is enabled")
	}

	return nil
}

// Location resolves the configured timezone, falling back to Eastern time for
// minimal containers without a tz database.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// DecisionRules returns the effective rule set with defaults applied.
func (c *Config) DecisionRules() (profitTargetPct float64, btcMaxDTE int, strikeProximityPct float64) {
	c.normalizeRules()
	return c.Rules.ProfitTargetPct, c.Rules.BTCMaxDTE, c.Rules.StrikeProximityPct
}

// AlertInterval returns the intraday alert cadence.
func (c *Config) AlertInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.AlertInterval)
	if err != nil {
		return time.Minute // default
	}
	return d
}

// IsMarketHours checks if the given time falls inside the configured market
// window on a weekday. Inclusive open, exclusive close.
func (c *Config) IsMarketHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	openClock, err1 := time.ParseInLocation("15:04", c.Schedule.MarketOpen, loc)
	closeClock, err2 := time.ParseInLocation("15:04", c.Schedule.MarketClose, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		openClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		closeClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		openClock.Hour(), openClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		closeClock.Hour(), closeClock.Minute(), 0, 0, loc)

	return !today.Before(start) && today.Before(end)
}

// EODClock returns the end-of-day report time as hour and minute.
func (c *Config) EODClock() (hour, minute int) {
	t, err := time.ParseInLocation("15:04", c.Schedule.EODTime, c.Location())
	if err != nil {
		return 16, 15
	}
	return t.Hour(), t.Minute()
}

// normalizeRules fills unset rule values with the defaults.
func (c *Config) normalizeRules() {
	if c.Rules.ProfitTargetPct == 0 {
		c.Rules.ProfitTargetPct = defaultProfitTargetPct
	}
	if c.Rules.BTCMaxDTE == 0 {
		c.Rules.BTCMaxDTE = defaultBTCMaxDTE
	}
	if c.Rules.StrikeProximityPct == 0 {
		c.Rules.StrikeProximityPct = defaultStrikeProximityPct
	}
}

// normalizeSchedule fills unset schedule values with sensible defaults.
func (c *Config) normalizeSchedule() {
	if c.Schedule.EODTime == "" {
		c.Schedule.EODTime = "16:15"
	}
	if c.Schedule.MarketOpen == "" {
		c.Schedule.MarketOpen = "09:30"
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = "16:00"
	}
	if c.Schedule.AlertInterval == "" {
		c.Schedule.AlertInterval = "1m"
	}
}
