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
		Format string `yaml:"format" default:"console"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Detector struct {
		Kind           string        `yaml:"kind" default:"ewma" validate:"oneof=ewma static"`
		Alpha          float64       `yaml:"alpha" default:"0.05" validate:"gt=0,lt=1"`
		WarmupSamples  int           `yaml:"warmup_samples" default:"30" validate:"gte=1"`
		LatenessWindow time.Duration `yaml:"lateness_window" default:"2m"`
		LateConfidence float64       `yaml:"late_confidence" default:"0.2"`
		LogThreshold   float64       `yaml:"log_threshold" default:"2.0"`
		Sources        []struct {
			ID    string  `yaml:"id" validate:"required"`
			Kind  string  `yaml:"kind"`
			Alpha float64 `yaml:"alpha"`
		} `yaml:"sources" validate:"dive"`
	} `yaml:"detector"`
	Health struct {
		HardCeiling   float64       `yaml:"hard_ceiling" default:"6.0" validate:"gt=0"`
		SoftThreshold float64       `yaml:"soft_threshold" default:"3.0" validate:"gt=0"`
		Window        time.Duration `yaml:"window" default:"1m"`
		CriticalQuota int           `yaml:"critical_quota" default:"5" validate:"gte=1"`
		DegradedQuota int           `yaml:"degraded_quota" default:"2" validate:"gte=1"`
		QuietPeriod   time.Duration `yaml:"quiet_period" default:"30s"`
		MinConfidence float64       `yaml:"min_confidence" default:"0.2"`
	} `yaml:"health"`
	Policy struct {
		RiskLimits struct {
			MaxPositionUSD  float64 `yaml:"max_position_usd" default:"1000000"`
			MaxOrderUSD     float64 `yaml:"max_order_usd" default:"50000"`
			MaxDailyLossUSD float64 `yaml:"max_daily_loss_usd" default:"25000"`
		} `yaml:"risk_limits"`
		ThrottleFactor float64       `yaml:"throttle_factor" default:"0.25" validate:"gt=0,lte=1"`
		ResumeFactor   float64       `yaml:"resume_factor" default:"0.5" validate:"gt=0,lte=1"`
		Cooldown       time.Duration `yaml:"cooldown" default:"2m"`
		RecoveryWindow time.Duration `yaml:"recovery_window" default:"5m"`
	} `yaml:"policy"`
	Adapt struct {
		CallTimeout    time.Duration `yaml:"call_timeout" default:"3s"`
		RetryMax       int           `yaml:"retry_max" default:"3" validate:"gte=1"`
		BackoffMin     time.Duration `yaml:"backoff_min" default:"200ms"`
		BackoffMax     time.Duration `yaml:"backoff_max" default:"5s"`
		ShadowDuration time.Duration `yaml:"shadow_duration" default:"2m"`
		// ShadowMaxScore is the acceptance ceiling on the candidate's mean
		// anomaly score during shadow evaluation.
		ShadowMaxScore float64 `yaml:"shadow_max_score" default:"2.0"`
		// ConfidenceFloor triggers a candidate proposal when the active model's
		// recent confidence drops below it.
		ConfidenceFloor float64 `yaml:"confidence_floor" default:"0.5"`
		// ConfidenceSource names the metric stream carrying model confidence.
		ConfidenceSource string `yaml:"confidence_source" default:"model_confidence"`
	} `yaml:"adapt"`
	Queue struct {
		Workers    int           `yaml:"workers" default:"2" validate:"gte=1"`
		Size       int           `yaml:"size" default:"512"`
		RetryLimit int           `yaml:"retry_limit" default:"3"`
		RetryDelay time.Duration `yaml:"retry_delay" default:"1s"`
	} `yaml:"queue"`
	Registry struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout" default:"3s"`
	} `yaml:"registry"`
	Execution struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout" default:"3s"`
	} `yaml:"execution"`
	Pipeline struct {
		MaxRPS     int `yaml:"max_rps" default:"200"`
		BufferSize int `yaml:"buffer_size" default:"4096"`
	} `yaml:"pipeline"`
	Kafka struct {
		Enabled  bool     `yaml:"enabled"`
		Brokers  []string `yaml:"brokers"`
		Topic    string   `yaml:"topic" default:"tg_metric_samples"`
		LogTopic string   `yaml:"log_topic" default:"tg_error_logs"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"tradeguard"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"1024"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"1048576"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"tradeguard"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	Redis struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr" default:"localhost:6379"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		Prefix   string        `yaml:"prefix" default:"tradeguard"`
		DedupTTL time.Duration `yaml:"dedup_ttl" default:"10m"`
	} `yaml:"redis"`
	Feed struct {
		Enabled        bool          `yaml:"enabled"`
		URL            string        `yaml:"url"`
		Sources        []string      `yaml:"sources"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"3s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"15s"`
	} `yaml:"feed"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file, applying struct defaults
// before validation.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
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

	if v := os.Getenv("TG_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("TG_KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("TG_REGISTRY_URL"); v != "" {
		c.Registry.BaseURL = v
	}
	if v := os.Getenv("TG_EXECUTION_URL"); v != "" {
		c.Execution.BaseURL = v
	}
	if v := os.Getenv("TG_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("TG_CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
		c.ClickHouse.Enabled = true
	}

	return c, nil
}

// Validate checks structural rules plus the cross-field constraints the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Health.SoftThreshold >= c.Health.HardCeiling {
		return fmt.Errorf("health.soft_threshold must be below health.hard_ceiling")
	}
	if c.Health.DegradedQuota >= c.Health.CriticalQuota {
		return fmt.Errorf("health.degraded_quota must be below health.critical_quota")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host required when clickhouse is enabled")
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("feed.url required when feed is enabled")
	}
	return nil
}
