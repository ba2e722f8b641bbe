package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LoggingConfig     `yaml:"log"`
	Indexer     IndexerConfig     `yaml:"indexer"`
	Node        NodeConfig        `yaml:"node"`
	Account     AccountConfig     `yaml:"account"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Risk        RiskConfig        `yaml:"risk"`
	State       StateConfig       `yaml:"state"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Admin       AdminConfig       `yaml:"admin"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Journal     JournalConfig     `yaml:"journal"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type IndexerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	WSURL        string        `yaml:"ws_url"`
	Timeout      time.Duration `yaml:"timeout"`
	HeightFeed   *bool         `yaml:"height_feed"`
	HeightMaxAge time.Duration `yaml:"height_max_age"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

func (c IndexerConfig) HeightFeedEnabled() bool {
	return c.HeightFeed != nil && *c.HeightFeed
}

type NodeConfig struct {
	RPCURL  string        `yaml:"rpc_url"`
	Timeout time.Duration `yaml:"timeout"`
	ChainID string        `yaml:"chain_id"`
}

type AccountConfig struct {
	Address    string `yaml:"address"`
	Subaccount int    `yaml:"subaccount"`
}

// ExecutionConfig tunes the submit/reconcile loop. SettleDelay is the wait
// between an accepted submission and the first indexer scan; it trades
// latency against indexer replication lag.
type ExecutionConfig struct {
	SettleDelay        time.Duration `yaml:"settle_delay"`
	GoodTilBlockMargin int64         `yaml:"good_til_block_margin"`
	PollAttempts       int           `yaml:"poll_attempts"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	QueryRetries       int           `yaml:"query_retries"`
	QueryBackoff       time.Duration `yaml:"query_backoff"`
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	CancelOnStart      *bool         `yaml:"cancel_on_start"`
	TimeInForce        string        `yaml:"time_in_force"`
}

func (c ExecutionConfig) CancelOnStartValue() bool {
	return c.CancelOnStart == nil || *c.CancelOnStart
}

type LiquidationConfig struct {
	BuyMultiplier  float64       `yaml:"buy_multiplier"`
	SellMultiplier float64       `yaml:"sell_multiplier"`
	CloseInterval  time.Duration `yaml:"close_interval"`
}

type RiskConfig struct {
	MaxNotionalUSD float64 `yaml:"max_notional_usd"`
	MaxOpenOrders  int     `yaml:"max_open_orders"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (c MetricsConfig) EnabledValue() bool {
	return c.Enabled != nil && *c.Enabled
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Indexer.BaseURL == "" {
		cfg.Indexer.BaseURL = "https://indexer.dydx.trade"
	}
	cfg.Indexer.BaseURL = strings.TrimRight(cfg.Indexer.BaseURL, "/")
	if cfg.Indexer.WSURL == "" {
		cfg.Indexer.WSURL = deriveWSURL(cfg.Indexer.BaseURL)
	}
	if cfg.Indexer.Timeout == 0 {
		cfg.Indexer.Timeout = 10 * time.Second
	}
	if cfg.Indexer.HeightFeed == nil {
		enabled := true
		cfg.Indexer.HeightFeed = &enabled
	}
	if cfg.Indexer.HeightMaxAge == 0 {
		cfg.Indexer.HeightMaxAge = 5 * time.Second
	}
	if cfg.Indexer.PingInterval == 0 {
		cfg.Indexer.PingInterval = 30 * time.Second
	}
	if cfg.Node.RPCURL == "" {
		cfg.Node.RPCURL = "https://dydx-ops-rpc.kingnodes.com"
	}
	if cfg.Node.Timeout == 0 {
		cfg.Node.Timeout = 10 * time.Second
	}
	if cfg.Node.ChainID == "" {
		cfg.Node.ChainID = "dydx-mainnet-1"
	}
	if cfg.Execution.SettleDelay == 0 {
		cfg.Execution.SettleDelay = 1500 * time.Millisecond
	}
	if cfg.Execution.GoodTilBlockMargin == 0 {
		cfg.Execution.GoodTilBlockMargin = 10
	}
	if cfg.Execution.PollAttempts == 0 {
		cfg.Execution.PollAttempts = 1
	}
	if cfg.Execution.PollInterval == 0 {
		cfg.Execution.PollInterval = time.Second
	}
	if cfg.Execution.QueryRetries == 0 {
		cfg.Execution.QueryRetries = 3
	}
	if cfg.Execution.QueryBackoff == 0 {
		cfg.Execution.QueryBackoff = 250 * time.Millisecond
	}
	if cfg.Execution.RefreshInterval == 0 {
		cfg.Execution.RefreshInterval = 30 * time.Second
	}
	if cfg.Execution.TimeInForce == "" {
		cfg.Execution.TimeInForce = "UNSPECIFIED"
	}
	if cfg.Liquidation.BuyMultiplier == 0 {
		cfg.Liquidation.BuyMultiplier = 1.7
	}
	if cfg.Liquidation.SellMultiplier == 0 {
		cfg.Liquidation.SellMultiplier = 0.3
	}
	if cfg.Liquidation.CloseInterval == 0 {
		cfg.Liquidation.CloseInterval = 200 * time.Millisecond
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dydx-pairs-bot.db"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
	if cfg.Journal.QueueSize == 0 {
		cfg.Journal.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DYDX_ADDRESS")); v != "" {
		cfg.Account.Address = v
	}
	if v := strings.TrimSpace(os.Getenv("DYDX_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("DYDX_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("DYDX_JOURNAL_DSN")); v != "" {
		cfg.Journal.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("DYDX_ADMIN_TOKEN")); v != "" {
		cfg.Admin.Token = v
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Account.Address) == "" {
		return errors.New("account.address is required (or DYDX_ADDRESS)")
	}
	if cfg.Account.Subaccount < 0 {
		return errors.New("account.subaccount must be >= 0")
	}
	if cfg.Execution.SettleDelay < 0 {
		return errors.New("execution.settle_delay must be >= 0")
	}
	if cfg.Execution.GoodTilBlockMargin < 0 {
		return errors.New("execution.good_til_block_margin must be >= 0")
	}
	if cfg.Execution.PollAttempts < 0 {
		return errors.New("execution.poll_attempts must be >= 0")
	}
	if cfg.Execution.PollInterval < 0 || cfg.Execution.QueryBackoff < 0 || cfg.Execution.RefreshInterval < 0 {
		return errors.New("execution intervals must be >= 0")
	}
	if cfg.Execution.QueryRetries < 0 {
		return errors.New("execution.query_retries must be >= 0")
	}
	switch strings.ToUpper(cfg.Execution.TimeInForce) {
	case "UNSPECIFIED", "IOC", "POST_ONLY", "FILL_OR_KILL":
	default:
		return fmt.Errorf("execution.time_in_force %q is not supported", cfg.Execution.TimeInForce)
	}
	if cfg.Liquidation.BuyMultiplier < 1 {
		return errors.New("liquidation.buy_multiplier must be >= 1")
	}
	if cfg.Liquidation.SellMultiplier <= 0 || cfg.Liquidation.SellMultiplier > 1 {
		return errors.New("liquidation.sell_multiplier must be in (0, 1]")
	}
	if cfg.Liquidation.CloseInterval < 0 {
		return errors.New("liquidation.close_interval must be >= 0")
	}
	if cfg.Risk.MaxNotionalUSD < 0 || cfg.Risk.MaxOpenOrders < 0 {
		return errors.New("risk limits must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	return nil
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/v4/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/v4/ws"
	}
	return baseURL + "/v4/ws"
}
