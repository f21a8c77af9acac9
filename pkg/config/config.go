package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

type Config struct {
	Environment string `yaml:"environment" validate:"required"`
	Server      struct {
		Port            int           `yaml:"port" default:"8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level" default:"info"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	ClickHouse struct {
		Host             string        `yaml:"host" validate:"required"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"stockmaster"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"5m"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Enabled      bool          `yaml:"enabled"`
		Brokers      []string      `yaml:"brokers"`
		AuditTopic   string        `yaml:"audit_topic" default:"stockmaster.audit"`
		RequiredAcks int           `yaml:"required_acks" default:"-1"`
		Compression  string        `yaml:"compression" default:"gzip"`
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		BatchSize    int           `yaml:"batch_size" default:"100"`
		BatchTimeout time.Duration `yaml:"batch_timeout" default:"1s"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr" default:"localhost:6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	KRX struct {
		BaseURL    string        `yaml:"base_url" validate:"required,url"`
		Timeout    time.Duration `yaml:"timeout" default:"30s"`
		RatePerSec float64       `yaml:"rate_per_sec" default:"2"`
		Burst      int           `yaml:"burst" default:"1"`
	} `yaml:"krx"`
	FDR struct {
		BaseURL    string        `yaml:"base_url" validate:"required,url"`
		APIKey     string        `yaml:"api_key"`
		Timeout    time.Duration `yaml:"timeout" default:"30s"`
		RatePerSec float64       `yaml:"rate_per_sec" default:"5"`
		Burst      int           `yaml:"burst" default:"2"`
	} `yaml:"fdr"`
	Batch struct {
		Markets                 []string      `yaml:"markets" validate:"min=1,dive,oneof=KOSPI KOSDAQ KONEX"`
		Interval                time.Duration `yaml:"interval" default:"24h"`
		RunOnStart              bool          `yaml:"run_on_start" default:"true"`
		AnomalyThreshold        float64       `yaml:"anomaly_threshold" default:"0.5" validate:"gt=0,lt=1"`
		ConfirmationWindowDays  int           `yaml:"confirmation_window_days" default:"5" validate:"gte=1"`
		SkipUnchanged           bool          `yaml:"skip_unchanged" default:"true"`
		MarketWorkers           int           `yaml:"market_workers" default:"3" validate:"gte=1"`
		SymbolWorkers           int           `yaml:"symbol_workers" default:"8" validate:"gte=1"`
		EarliestListingBound    string        `yaml:"earliest_listing_bound" default:"1990-01-01"`
		LockTTL                 time.Duration `yaml:"lock_ttl" default:"2h"`
		OptimizeAfterRun        bool          `yaml:"optimize_after_run" default:"true"`
		Retry                   struct {
			MaxAttempts int           `yaml:"max_attempts" default:"3"`
			BaseDelay   time.Duration `yaml:"base_delay" default:"500ms"`
			MaxDelay    time.Duration `yaml:"max_delay" default:"5s"`
			Jitter      float64       `yaml:"jitter" default:"0.2" validate:"gte=0,lte=1"`
		} `yaml:"retry"`
	} `yaml:"batch"`
}

// Load reads and parses a YAML configuration file, applies struct defaults,
// then validates.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Defaults go in first so an explicit false/zero in the file survives.
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FDR_API_KEY"); v != "" {
		c.FDR.APIKey = v
	}
	if v := os.Getenv("MARKETS"); v != "" {
		c.Batch.Markets = strings.Split(v, ",")
	}

	return c, nil
}

// Validate checks struct tags plus cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka.enabled")
	}
	if c.Batch.Interval < time.Minute {
		return fmt.Errorf("batch.interval must be at least 1m, got %s", c.Batch.Interval)
	}
	return nil
}
