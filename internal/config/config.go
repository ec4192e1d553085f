// Package config
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
market_ws_url: "wss://ws-subscriptions-clob.polymarket.com/ws/market"
user_ws_url: "wss://ws-subscriptions-clob.polymarket.com/ws/user"
rest_url: "https://clob.polymarket.com"
data_api_url: "https://data-api.polymarket.com"
api_key: "..."
api_secret: "..."
api_passphrase: "..."
owner_address: "0x..."
db_conn_str: "postgres://..."
metrics_addr: ":9100"
engine_interval: 1s
pairs:
  - pair_key: "nfl-game-yes-no"
    slug: "nfl-chiefs-bills"
    question: "Will the Chiefs beat the Bills?"
    game_start_at: 2026-09-13T17:00:00Z
    assets: ["1234", "5678"]
    asset_settings:
      - { asset_id: "1234", outcome: "Yes", shares: 20, ttl_seconds: 120, level: 0, enabled: true }
      - { asset_id: "5678", outcome: "No", shares: 20, ttl_seconds: 120, level: -1, enabled: true }
    buy_max_cents: 97
    sell_min_cents: 103
    sell_min_shares: 20
    strategy: "default"
    enabled: true
*/

// AssetConfig is the per-asset quoting setting inside a pair.
type AssetConfig struct {
	AssetID    string  `yaml:"asset_id"`
	Outcome    string  `yaml:"outcome"`
	Shares     float64 `yaml:"shares"`
	TTLSeconds int     `yaml:"ttl_seconds"`
	Level      int     `yaml:"level"`
	Enabled    *bool   `yaml:"enabled"`
}

// IsEnabled defaults to true when the field is omitted.
func (a AssetConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// PairConfig configures auto-trading for one two-outcome market.
// Slug, Question, Outcome and GameStartAt are display metadata for
// per-market logging; quoting works without them.
type PairConfig struct {
	PairKey        string        `yaml:"pair_key"`
	Slug           string        `yaml:"slug"`
	Question       string        `yaml:"question"`
	GameStartAt    time.Time     `yaml:"game_start_at"`
	Assets         []string      `yaml:"assets"`
	AssetSettings  []AssetConfig `yaml:"asset_settings"`
	DisabledAssets []string      `yaml:"disabled_assets"`
	BuyMaxCents    float64       `yaml:"buy_max_cents"`
	SellMinCents   float64       `yaml:"sell_min_cents"`
	SellMinShares  float64       `yaml:"sell_min_shares"`
	Strategy       string        `yaml:"strategy"`
	Enabled        *bool         `yaml:"enabled"`
}

// IsEnabled defaults to true when the field is omitted.
func (p PairConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Settings returns the asset setting for assetID.
func (p PairConfig) Settings(assetID string) (AssetConfig, bool) {
	for _, s := range p.AssetSettings {
		if s.AssetID == assetID {
			return s, true
		}
	}
	return AssetConfig{}, false
}

// AssetDisabled reports whether assetID is listed in disabled_assets.
func (p PairConfig) AssetDisabled(assetID string) bool {
	for _, a := range p.DisabledAssets {
		if a == assetID {
			return true
		}
	}
	return false
}

// Normalize applies the documented defaults for omitted numeric fields.
func (p *PairConfig) Normalize() {
	if p.BuyMaxCents == 0 {
		p.BuyMaxCents = 97
	}
	if p.SellMinCents == 0 {
		p.SellMinCents = 103
	}
	if p.SellMinShares == 0 {
		p.SellMinShares = 20
	}
	if p.Strategy == "" {
		p.Strategy = "default"
	}
}

// Validate rejects malformed pair configs at admission time.
func (p PairConfig) Validate() error {
	if strings.TrimSpace(p.PairKey) == "" {
		return fmt.Errorf("pair config: pair_key is required")
	}
	if len(p.Assets) < 2 {
		return fmt.Errorf("pair config %s: at least two assets are required", p.PairKey)
	}
	if p.Assets[0] == p.Assets[1] {
		return fmt.Errorf("pair config %s: assets must be distinct", p.PairKey)
	}
	for _, assetID := range p.Assets[:2] {
		s, ok := p.Settings(assetID)
		if !ok {
			return fmt.Errorf("pair config %s: missing asset_settings for %s", p.PairKey, assetID)
		}
		if s.Shares <= 0 {
			return fmt.Errorf("pair config %s: shares must be > 0 for %s", p.PairKey, assetID)
		}
		if s.TTLSeconds < 0 {
			return fmt.Errorf("pair config %s: ttl_seconds must be >= 0 for %s", p.PairKey, assetID)
		}
	}
	if p.BuyMaxCents <= 0 || p.BuyMaxCents > 200 {
		return fmt.Errorf("pair config %s: buy_max_cents out of range", p.PairKey)
	}
	if p.SellMinCents <= 0 || p.SellMinCents > 200 {
		return fmt.Errorf("pair config %s: sell_min_cents out of range", p.PairKey)
	}
	if p.SellMinShares < 0 {
		return fmt.Errorf("pair config %s: sell_min_shares must be >= 0", p.PairKey)
	}
	return nil
}

type Config struct {
	MarketWSURL    string        `yaml:"market_ws_url"`
	UserWSURL      string        `yaml:"user_ws_url"`
	RESTURL        string        `yaml:"rest_url"`
	DataAPIURL     string        `yaml:"data_api_url"`
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	APIPassphrase  string        `yaml:"api_passphrase"`
	OwnerAddress   string        `yaml:"owner_address"`
	DBConnStr      string        `yaml:"db_conn_str"`
	DBMaxOpen      int           `yaml:"db_max_open"`
	DBMaxIdle      int           `yaml:"db_max_idle"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	TelegramToken  string        `yaml:"telegram_token"`
	TelegramChatID string        `yaml:"telegram_chat_id"`
	EngineInterval time.Duration `yaml:"engine_interval"`
	Pairs          []PairConfig  `yaml:"pairs"`
}

// Load reads flags and the optional YAML config file. Flag values act as
// defaults; the YAML file, when given, wins for every field it sets.
func Load() Config {
	marketWS := flag.String("market-ws", "wss://ws-subscriptions-clob.polymarket.com/ws/market", "Market data websocket endpoint")
	userWS := flag.String("user-ws", "wss://ws-subscriptions-clob.polymarket.com/ws/user", "Account websocket endpoint")
	restURL := flag.String("rest-url", "https://clob.polymarket.com", "CLOB REST endpoint")
	dataAPIURL := flag.String("data-api-url", "https://data-api.polymarket.com", "Data API endpoint (positions)")
	ownerAddress := flag.String("owner", "", "Wallet address positions are fetched for")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	telegramToken := flag.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := flag.String("telegram-chat", "", "Telegram chat ID for notifications")
	engineInterval := flag.Duration("engine-interval", time.Second, "Auto-trade evaluation cadence")
	dbMaxOpen := flag.Int("db-max-open", 10, "Max open DB connections")
	dbMaxIdle := flag.Int("db-max-idle", 5, "Max idle DB connections")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg := Config{
		MarketWSURL:    *marketWS,
		UserWSURL:      *userWS,
		RESTURL:        *restURL,
		DataAPIURL:     *dataAPIURL,
		APIKey:         os.Getenv("CLOB_API_KEY"),
		APISecret:      os.Getenv("CLOB_API_SECRET"),
		APIPassphrase:  os.Getenv("CLOB_API_PASSPHRASE"),
		OwnerAddress:   *ownerAddress,
		DBConnStr:      os.Getenv("DB_CONN_STR"),
		DBMaxOpen:      *dbMaxOpen,
		DBMaxIdle:      *dbMaxIdle,
		MetricsAddr:    *metricsAddr,
		TelegramToken:  *telegramToken,
		TelegramChatID: *telegramChatID,
		EngineInterval: *engineInterval,
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
	}

	if cfg.EngineInterval <= 0 {
		cfg.EngineInterval = time.Second
	}
	for i := range cfg.Pairs {
		cfg.Pairs[i].Normalize()
		if err := cfg.Pairs[i].Validate(); err != nil {
			log.Fatalf("Invalid pair config: %v", err)
		}
	}
	return cfg
}
