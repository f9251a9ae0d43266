package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"gpu-price-oracle/internal/index"
	"gpu-price-oracle/internal/logging"
	"gpu-price-oracle/internal/source"
	"gpu-price-oracle/internal/version"
)

// EnvPrefix prefixes every environment override, e.g. GPUORACLE_ETHEREUM_RPC_URL.
const EnvPrefix = "GPUORACLE"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Index     IndexConfig     `mapstructure:"index"`
	History   HistoryConfig   `mapstructure:"history"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Targets   []TargetConfig  `mapstructure:"targets" validate:"dive"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects the CSV history file.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the run cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// SourceConfig selects the provider price table.
type SourceConfig struct {
	Kind      string                `mapstructure:"kind"`
	Path      string                `mapstructure:"path"`
	URL       string                `mapstructure:"url" validate:"omitempty,url"`
	Timeout   time.Duration         `mapstructure:"timeout"`
	UserAgent string                `mapstructure:"user_agent"`
	Samples   []source.StaticSample `mapstructure:"samples"`
}

// IndexConfig tunes aggregation and the consistency guard.
type IndexConfig struct {
	Weights            index.Weights `mapstructure:"weights" validate:"dive"`
	OutlierMultiplier  float64       `mapstructure:"outlier_multiplier" validate:"gt=0"`
	DeviationThreshold float64       `mapstructure:"deviation_threshold" validate:"gt=0"`
	FallbackWindow     int           `mapstructure:"fallback_window" validate:"gte=1"`
}

// HistoryConfig locates the CSV history.
type HistoryConfig struct {
	Path      string `mapstructure:"path"`
	ShowLimit int    `mapstructure:"show_limit" validate:"gte=1"`
}

// EthereumConfig covers the oracle contract connection.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key"`
	ChainID         int64         `mapstructure:"chain_id" validate:"gt=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PriorityFeeGwei float64       `mapstructure:"priority_fee_gwei" validate:"gte=0"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
}

// PublisherConfig bounds and paces ledger writes.
type PublisherConfig struct {
	MinPrice        float64       `mapstructure:"min_price" validate:"gt=0"`
	MaxPrice        float64       `mapstructure:"max_price" validate:"gt=0"`
	DefaultDecimals int32         `mapstructure:"default_decimals" validate:"gte=0,lte=36"`
	ConfirmDelay    time.Duration `mapstructure:"confirm_delay"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=1"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	Verify          bool          `mapstructure:"verify"`
	Batch           bool          `mapstructure:"batch"`
}

// TargetConfig names one on-chain asset and the index stream it receives.
type TargetConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	AssetID  string `mapstructure:"asset_id"`
	Decimals int32  `mapstructure:"decimals" validate:"gte=0,lte=36"`
	Stream   string `mapstructure:"stream" validate:"omitempty,oneof=full hyperscaler non_hyperscaler"`
}

// AuditConfig locates the capped JSON publication log.
type AuditConfig struct {
	Path             string `mapstructure:"path"`
	MaxEntries       int    `mapstructure:"max_entries" validate:"gte=1"`
	MirrorToDatabase bool   `mapstructure:"mirror_to_database"`
}

// AlertingConfig routes post-publication notifications.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig 描述数据库同步 webhook。
type WebhookConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	URL            string            `mapstructure:"url" validate:"omitempty,url"`
	Headers        map[string]string `mapstructure:"headers"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	MaxRetries     int               `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration     `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration     `mapstructure:"max_backoff"`
}

// RedisConfig configures the latest-price cache sink.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Channel   string        `mapstructure:"channel"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// TriggerConfig configures the re-run signal.
type TriggerConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig describes the re-run topic.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig exposes or pushes Prometheus metrics.
type MetricsConfig struct {
	Listen  string `mapstructure:"listen"`
	PushURL string `mapstructure:"push_url" validate:"omitempty,url"`
	Job     string `mapstructure:"job"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindAliases(v)

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
	if len(cfg.Index.Weights) == 0 {
		cfg.Index.Weights = index.DefaultWeights()
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = []TargetConfig{{Name: "H100", Stream: string(index.StreamFull)}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports .env entries without overriding variables already set.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// bindAliases maps the variable names used by the existing deployment scripts.
func bindAliases(v *viper.Viper) {
	_ = v.BindEnv("ethereum.rpc_url", EnvPrefix+"_ETHEREUM_RPC_URL", "SEPOLIA_RPC_URL")
	_ = v.BindEnv("ethereum.private_key", EnvPrefix+"_ETHEREUM_PRIVATE_KEY", "ORACLE_UPDATER_PRIVATE_KEY", "PRIVATE_KEY", "WALLET_PRIVATE_KEY")
	_ = v.BindEnv("database.dsn", EnvPrefix+"_DATABASE_DSN", "DATABASE_URL")
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
	v.SetDefault("app.name", "gpuoracle")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x67707530))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("source.kind", "csv")
	v.SetDefault("source.path", "provider_averages.csv")
	v.SetDefault("source.timeout", "15s")
	v.SetDefault("source.user_agent", version.UserAgent())

	v.SetDefault("index.outlier_multiplier", 2.5)
	v.SetDefault("index.deviation_threshold", 0.5)
	v.SetDefault("index.fallback_window", 10)

	v.SetDefault("history.path", "gpu_index_history.csv")
	v.SetDefault("history.show_limit", 10)

	v.SetDefault("ethereum.rpc_url", "https://rpc.sepolia.org")
	v.SetDefault("ethereum.contract_address", "0x3cA2Da03e4b6dB8fe5a24c22Cf5EB2A34B59cbad")
	v.SetDefault("ethereum.chain_id", 11155111)
	v.SetDefault("ethereum.request_timeout", "15s")
	v.SetDefault("ethereum.confirm_timeout", "3m")
	v.SetDefault("ethereum.poll_interval", "2s")
	v.SetDefault("ethereum.priority_fee_gwei", 1.0)
	v.SetDefault("ethereum.gas_limit", 200000)

	v.SetDefault("publisher.min_price", 0.01)
	v.SetDefault("publisher.max_price", 100.0)
	v.SetDefault("publisher.default_decimals", 18)
	v.SetDefault("publisher.confirm_delay", "60s")
	v.SetDefault("publisher.max_attempts", 3)
	v.SetDefault("publisher.retry_backoff", "5s")
	v.SetDefault("publisher.verify", true)
	v.SetDefault("publisher.batch", false)

	v.SetDefault("audit.path", "oracle_publication_log.json")
	v.SetDefault("audit.max_entries", 100)
	v.SetDefault("audit.mirror_to_database", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.webhook.max_retries", 3)
	v.SetDefault("alerting.webhook.initial_backoff", "500ms")
	v.SetDefault("alerting.webhook.max_backoff", "10s")
	v.SetDefault("alerting.redis.enabled", false)
	v.SetDefault("alerting.redis.addr", "localhost:6379")
	v.SetDefault("alerting.redis.key_prefix", "gpuoracle:price:")
	v.SetDefault("alerting.redis.channel", "gpuoracle:prices")

	v.SetDefault("trigger.kafka.enabled", false)
	v.SetDefault("trigger.kafka.topic", "gpu-index-rerun")
	v.SetDefault("trigger.kafka.write_timeout", "10s")

	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("metrics.job", "gpuoracle")

	v.SetDefault("export.max_data_points", 100000)
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

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs the struct tag rules and then the cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Publisher.MinPrice >= c.Publisher.MaxPrice {
		return fmt.Errorf("publisher.min_price must be below publisher.max_price")
	}
	if c.Publisher.ConfirmDelay < 0 {
		return fmt.Errorf("publisher.confirm_delay cannot be negative")
	}
	if c.Index.Weights.TotalPercent() <= 0 {
		return fmt.Errorf("index.weights must carry a positive total weight")
	}

	switch strings.ToLower(c.Source.Kind) {
	case "csv":
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for csv source")
		}
	case "http":
		if c.Source.URL == "" {
			return fmt.Errorf("source.url is required for http source")
		}
	case "static":
		if len(c.Source.Samples) == 0 {
			return fmt.Errorf("source.samples is required for static source")
		}
	default:
		return fmt.Errorf("source.kind %q unsupported (have %s)", c.Source.Kind, strings.Join(source.Kinds(), ", "))
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		key := strings.ToUpper(t.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("targets: duplicate name %q", t.Name)
		}
		seen[key] = struct{}{}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url 必须配置")
	}
	if c.Trigger.Kafka.Enabled {
		if len(c.Trigger.Kafka.Brokers) == 0 {
			return fmt.Errorf("trigger.kafka.brokers is required when kafka trigger is enabled")
		}
		if c.Trigger.Kafka.Topic == "" {
			return fmt.Errorf("trigger.kafka.topic is required when kafka trigger is enabled")
		}
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

// SourceOptions converts the source section, applying an optional CLI path override.
func (c *Config) SourceOptions(override string) source.Options {
	opts := source.Options{
		Kind:      strings.ToLower(c.Source.Kind),
		Path:      c.Source.Path,
		URL:       c.Source.URL,
		Timeout:   c.Source.Timeout,
		UserAgent: c.Source.UserAgent,
		Samples:   c.Source.Samples,
	}
	if override == "" {
		return opts
	}
	if strings.HasPrefix(override, "http://") || strings.HasPrefix(override, "https://") {
		opts.Kind, opts.URL = "http", override
	} else {
		opts.Kind, opts.Path = "csv", override
	}
	return opts
}
