// Package config loads configuration from config.yaml and the
// environment, and initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/leadflow/internal/cache"
	"github.com/sells-group/leadflow/internal/cost"
	"github.com/sells-group/leadflow/internal/ratelimit"
)

// Config is the root configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" mapstructure:"store"`
	Firecrawl FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Apollo    ApolloConfig     `yaml:"apollo" mapstructure:"apollo"`
	Stripe    StripeConfig     `yaml:"stripe" mapstructure:"stripe"`
	RateLimit ratelimit.Config `yaml:"rate_limit" mapstructure:"rate_limit"`
	Cache     cache.TTLConfig  `yaml:"cache" mapstructure:"cache"`
	Pricing   cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Budgets   cost.Budgets     `yaml:"budgets" mapstructure:"budgets"`
	Queue     QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Worker    WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Reconcile ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int    `yaml:"min_conns" mapstructure:"min_conns"`
}

// FirecrawlConfig configures the search/scrape provider.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// PaceRPS caps outbound requests per second; zero disables pacing.
	PaceRPS     float64 `yaml:"pace_rps" mapstructure:"pace_rps"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ApolloConfig configures the enrichment provider.
type ApolloConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	PaceRPS     float64 `yaml:"pace_rps" mapstructure:"pace_rps"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// StripeConfig configures the payment gateway.
type StripeConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	SuccessURL    string `yaml:"success_url" mapstructure:"success_url"`
	CancelURL     string `yaml:"cancel_url" mapstructure:"cancel_url"`
}

// QueueConfig configures the enrichment job queue.
type QueueConfig struct {
	Capacity    int `yaml:"capacity" mapstructure:"capacity"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// WorkerConfig configures the enrichment worker pool.
type WorkerConfig struct {
	BatchSize     int `yaml:"batch_size" mapstructure:"batch_size"`
	PoolSize      int `yaml:"pool_size" mapstructure:"pool_size"`
	AdmitWaitSecs int `yaml:"admit_wait_secs" mapstructure:"admit_wait_secs"`
}

// ReconcileConfig configures the stale-payment sweep.
type ReconcileConfig struct {
	IntervalSecs  int `yaml:"interval_secs" mapstructure:"interval_secs"`
	ThresholdSecs int `yaml:"threshold_secs" mapstructure:"threshold_secs"`
	BatchSize     int `yaml:"batch_size" mapstructure:"batch_size"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "leadflow.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("firecrawl.pace_rps", 5)
	v.SetDefault("firecrawl.timeout_secs", 30)
	v.SetDefault("apollo.base_url", "https://api.apollo.io/api/v1")
	v.SetDefault("apollo.pace_rps", 2)
	v.SetDefault("apollo.timeout_secs", 30)
	v.SetDefault("stripe.success_url", "https://leadflow.example/unlock/success")
	v.SetDefault("stripe.cancel_url", "https://leadflow.example/unlock/cancel")
	v.SetDefault("cache.preview", "1h")
	v.SetDefault("cache.scraped", "168h")
	v.SetDefault("cache.contact", "720h")
	v.SetDefault("cache.default", "30m")
	v.SetDefault("pricing.search_per_query", 0.005)
	v.SetDefault("pricing.scrape_per_page", 0.002)
	v.SetDefault("pricing.enrich_per_contact", 0.015)
	v.SetDefault("pricing.gateway_fee_percent", 0.029)
	v.SetDefault("pricing.gateway_fee_flat_usd", 0.30)
	v.SetDefault("pricing.unlock_price_usd", 2.99)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.admit_wait_secs", 5)
	v.SetDefault("reconcile.interval_secs", 300)
	v.SetDefault("reconcile.threshold_secs", 900)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Tier maps have no flat defaults; fall back to the built-ins when
	// the file leaves them out.
	if cfg.RateLimit.Tiers == nil {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.Budgets == nil {
		cfg.Budgets = cost.DefaultBudgets()
	}

	return &cfg, nil
}

// Validate checks that the fields required by the given run mode are set.
func (c *Config) Validate(mode string) error {
	var missing []string

	requirePostgresURL := func() {
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required for the postgres driver")
		}
	}

	switch mode {
	case "serve":
		requirePostgresURL()
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
		if c.Firecrawl.Key == "" {
			missing = append(missing, "firecrawl.key is required")
		}
		if c.Stripe.Key == "" {
			missing = append(missing, "stripe.key is required")
		}
		if c.Stripe.WebhookSecret == "" {
			missing = append(missing, "stripe.webhook_secret is required")
		}
		if c.Apollo.Key == "" {
			missing = append(missing, "apollo.key is required")
		}
	case "worker":
		requirePostgresURL()
		if c.Apollo.Key == "" {
			missing = append(missing, "apollo.key is required")
		}
	case "reconcile":
		requirePostgresURL()
		if c.Stripe.Key == "" {
			missing = append(missing, "stripe.key is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
