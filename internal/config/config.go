package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"price-oracle-aggregator/internal/logging"
)

// Source types understood by the app wiring.
const (
	SourceChainlink = "chainlink"
	SourceAPI3      = "api3"
	SourceERC4626   = "erc4626"
	SourcePeg       = "peg"
	SourceCow       = "cow"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Access    AccessConfig    `mapstructure:"access"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Cow       CowConfig       `mapstructure:"cow"`
	Sources   []SourceConfig  `mapstructure:"sources"`
	Assets    []AssetConfig   `mapstructure:"assets"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// OracleConfig fixes the denomination shared by every source.
type OracleConfig struct {
	BaseCurrency         string        `mapstructure:"base_currency"`
	BaseCurrencyDecimals uint8         `mapstructure:"base_currency_decimals"`
	DefaultHeartbeat     time.Duration `mapstructure:"default_heartbeat"`
	DefaultMaxStaleTime  time.Duration `mapstructure:"default_max_stale_time"`
}

// AccessConfig seeds role membership. Entries are hex principals.
type AccessConfig struct {
	Admins         []string `mapstructure:"admins"`
	OracleManagers []string `mapstructure:"oracle_managers"`
	Guardians      []string `mapstructure:"guardians"`
	// Operator is the principal used by CLI admin commands.
	Operator string `mapstructure:"operator"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CowConfig captures CoW Protocol connectivity shared by cow sources.
type CowConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PriceQuality   string        `mapstructure:"price_quality"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// SourceConfig declares one named price source.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
	// Address is the feed, proxy or vault contract.
	Address string `mapstructure:"address"`
	// RPCURL overrides ethereum.rpc_url.
	RPCURL string `mapstructure:"rpc_url"`
	// BaseCurrency overrides oracle.base_currency.
	BaseCurrency string        `mapstructure:"base_currency"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Underlying names the source pricing an erc4626 vault's asset.
	Underlying string `mapstructure:"underlying"`
	// Price is the constant of a peg source in whole base-currency units.
	Price string `mapstructure:"price"`

	SellToken    string  `mapstructure:"sell_token"`
	SellDecimals uint8   `mapstructure:"sell_decimals"`
	BuyToken     string  `mapstructure:"buy_token"`
	BuyDecimals  uint8   `mapstructure:"buy_decimals"`
	Notional     float64 `mapstructure:"notional"`
}

// ThresholdsConfig are validation parameters in human-readable units.
type ThresholdsConfig struct {
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
	MaxStaleTime    time.Duration `mapstructure:"max_stale_time"`
	MaxDeviationBps uint16        `mapstructure:"max_deviation_bps"`
	MinAnswer       string        `mapstructure:"min_answer"`
	MaxAnswer       string        `mapstructure:"max_answer"`
}

// AssetConfig routes one asset to its sources.
type AssetConfig struct {
	Address          string `mapstructure:"address"`
	Symbol           string `mapstructure:"symbol"`
	Primary          string `mapstructure:"primary"`
	Fallback         string `mapstructure:"fallback"`
	ThresholdsConfig `mapstructure:",squash"`
	// FallbackThresholds, when set, replace Thresholds for the fallback source.
	FallbackThresholds *ThresholdsConfig `mapstructure:"fallback_thresholds"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig configures the price snapshot cache.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Channel   string        `mapstructure:"channel"`
	// QueueSize bounds snapshots waiting to be written.
	QueueSize int `mapstructure:"queue_size"`
}

// SchedulerConfig governs the sweep cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminTokens  []AdminToken  `mapstructure:"admin_tokens"`
}

// AdminToken maps a bearer token to the principal it authenticates.
type AdminToken struct {
	Token     string `mapstructure:"token"`
	Principal string `mapstructure:"principal"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	// Outcomes lists the pipeline outcomes that raise an alert.
	Outcomes []string `mapstructure:"outcomes"`
	// Retention bounds the alert audit log; zero keeps everything.
	Retention time.Duration  `mapstructure:"retention"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oracled")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("oracle.base_currency", "USD")
	v.SetDefault("oracle.base_currency_decimals", 8)
	v.SetDefault("oracle.default_heartbeat", "1h")
	v.SetDefault("oracle.default_max_stale_time", "1h")

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "optimal")
	v.SetDefault("cow.request_timeout", "10s")
	v.SetDefault("cow.user_agent", "oracled/1.0")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f72636c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "oracled")

	v.SetDefault("redis.key_prefix", "oracled:price:")
	v.SetDefault("redis.ttl", "10m")
	v.SetDefault("redis.channel", "oracled:prices")
	v.SetDefault("redis.queue_size", 256)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.outcomes", []string{"last_good", "unavailable"})
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var knownOutcomes = map[string]bool{
	"primary": true, "fallback": true, "last_good": true, "frozen": true, "unavailable": true,
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Oracle.BaseCurrency == "" {
		return fmt.Errorf("oracle.base_currency is required")
	}
	if c.Oracle.BaseCurrencyDecimals > 36 {
		return fmt.Errorf("oracle.base_currency_decimals must be at most 36")
	}
	if c.Oracle.DefaultHeartbeat < 0 || c.Oracle.DefaultMaxStaleTime < 0 {
		return fmt.Errorf("oracle default windows cannot be negative")
	}
	if len(c.Access.Admins) == 0 {
		return fmt.Errorf("access.admins needs at least one principal")
	}
	for _, group := range [][]string{c.Access.Admins, c.Access.OracleManagers, c.Access.Guardians} {
		for _, p := range group {
			if !common.IsHexAddress(p) {
				return fmt.Errorf("access: %q is not a hex address", p)
			}
		}
	}
	if c.Access.Operator != "" && !common.IsHexAddress(c.Access.Operator) {
		return fmt.Errorf("access.operator %q is not a hex address", c.Access.Operator)
	}

	sources := make(map[string]SourceConfig, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := sources[s.Name]; dup {
			return fmt.Errorf("source %q declared twice", s.Name)
		}
		if err := s.validate(); err != nil {
			return err
		}
		sources[s.Name] = s
	}
	for _, s := range c.Sources {
		if s.Type != SourceERC4626 {
			continue
		}
		if _, ok := sources[s.Underlying]; !ok {
			return fmt.Errorf("source %q: underlying %q is not declared", s.Name, s.Underlying)
		}
		if s.Underlying == s.Name {
			return fmt.Errorf("source %q cannot be its own underlying", s.Name)
		}
	}

	seen := make(map[common.Address]bool, len(c.Assets))
	for i, a := range c.Assets {
		if !common.IsHexAddress(a.Address) {
			return fmt.Errorf("assets[%d].address %q is not a hex address", i, a.Address)
		}
		addr := common.HexToAddress(a.Address)
		if seen[addr] {
			return fmt.Errorf("asset %s declared twice", addr.Hex())
		}
		seen[addr] = true
		if _, ok := sources[a.Primary]; !ok {
			return fmt.Errorf("asset %s: primary source %q is not declared", addr.Hex(), a.Primary)
		}
		if a.Fallback != "" {
			if _, ok := sources[a.Fallback]; !ok {
				return fmt.Errorf("asset %s: fallback source %q is not declared", addr.Hex(), a.Fallback)
			}
		}
	}

	for i, t := range c.HTTP.AdminTokens {
		if t.Token == "" {
			return fmt.Errorf("http.admin_tokens[%d].token is required", i)
		}
		if !common.IsHexAddress(t.Principal) {
			return fmt.Errorf("http.admin_tokens[%d].principal %q is not a hex address", i, t.Principal)
		}
	}

	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.Cooldown < 0 || c.Alerting.Retention < 0 {
		return fmt.Errorf("alerting.cooldown and alerting.retention cannot be negative")
	}
	for _, o := range c.Alerting.Outcomes {
		if !knownOutcomes[o] {
			return fmt.Errorf("alerting.outcomes: unknown outcome %q", o)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

func (s SourceConfig) validate() error {
	switch s.Type {
	case SourceChainlink, SourceAPI3, SourceERC4626:
		if !common.IsHexAddress(s.Address) {
			return fmt.Errorf("source %q: address %q is not a hex address", s.Name, s.Address)
		}
	case SourcePeg:
		if s.Price == "" {
			return fmt.Errorf("source %q: peg price is required", s.Name)
		}
	case SourceCow:
		if !common.IsHexAddress(s.BuyToken) {
			return fmt.Errorf("source %q: buy_token %q is not a hex address", s.Name, s.BuyToken)
		}
		if s.SellToken != "" && !common.IsHexAddress(s.SellToken) {
			return fmt.Errorf("source %q: sell_token %q is not a hex address", s.Name, s.SellToken)
		}
		if s.Notional < 0 {
			return fmt.Errorf("source %q: notional cannot be negative", s.Name)
		}
	default:
		return fmt.Errorf("source %q: unknown type %q", s.Name, s.Type)
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// SourceRPCURL returns the RPC endpoint for s.
func (c *Config) SourceRPCURL(s SourceConfig) string {
	if s.RPCURL != "" {
		return s.RPCURL
	}
	return c.Ethereum.RPCURL
}
