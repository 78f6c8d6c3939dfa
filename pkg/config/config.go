package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Energy   EnergyConfig   `mapstructure:"energy"`
	Withdraw WithdrawConfig `mapstructure:"withdraw"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	DepositTopic string   `mapstructure:"deposit_topic"`
	EventTopic   string   `mapstructure:"event_topic"`
	GroupID      string   `mapstructure:"group_id"`
}

type ChainConfig struct {
	NodeURL        string        `mapstructure:"node_url"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	ConfirmPoll    time.Duration `mapstructure:"confirm_poll"`
}

// SweepConfig 是归集 Worker 的进程级参数。
// 注意: 每个 Partner 的业务参数 (minSweepAmount 等) 存在 DB 的
// sweep_configurations 表里，不在这里。
type SweepConfig struct {
	Workers       int           `mapstructure:"workers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ClaimBatch    int           `mapstructure:"claim_batch"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	TaskTTL       time.Duration `mapstructure:"task_ttl"`
	KeystorePath  string        `mapstructure:"keystore_path"`
	KeystoreToken string        `mapstructure:"keystore_token"`
}

type EnergyConfig struct {
	HealthTTL     time.Duration `mapstructure:"health_ttl"`
	AllocationTTL time.Duration `mapstructure:"allocation_ttl"`
	// FallbackUnitPrice 直接燃烧模式的估算单价 (sun/unit)
	FallbackUnitPrice string `mapstructure:"fallback_unit_price"`
}

type WithdrawConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	PlanInterval   time.Duration `mapstructure:"plan_interval"`
}

var Global Config

func Init() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	if err := Global.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

// Validate 校验会动资金的参数。这里宁可启动失败，也不能悄悄用默认值跑。
func (c *Config) Validate() error {
	if c.Sweep.MaxRetries <= 0 {
		return fmt.Errorf("sweep.max_retries must be positive")
	}
	if c.Sweep.RetryBackoff <= 0 || c.Sweep.BackoffCap < c.Sweep.RetryBackoff {
		return fmt.Errorf("sweep backoff misconfigured: base=%s cap=%s", c.Sweep.RetryBackoff, c.Sweep.BackoffCap)
	}
	if c.Sweep.KeystorePath == "" {
		return fmt.Errorf("sweep.keystore_path is required (partner seeds are keystore encrypted)")
	}
	if c.Chain.ConfirmTimeout <= 0 {
		return fmt.Errorf("chain.confirm_timeout must be positive: a broadcast may never be left pending")
	}
	if c.Energy.AllocationTTL <= 0 {
		return fmt.Errorf("energy.allocation_ttl must be positive")
	}
	if c.Withdraw.MaxConcurrency <= 0 {
		return fmt.Errorf("withdraw.max_concurrency must be positive")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "custody_user")
	viper.SetDefault("db.password", "custody_password")
	viper.SetDefault("db.name", "custody_db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.deposit_topic", "wallet_events_deposit")
	viper.SetDefault("kafka.event_topic", "custody_events")
	viper.SetDefault("kafka.group_id", "custody-core")

	viper.SetDefault("chain.node_url", "http://localhost:8090")
	viper.SetDefault("chain.confirm_timeout", "3m")
	viper.SetDefault("chain.confirm_poll", "5s")

	viper.SetDefault("sweep.workers", 4)
	viper.SetDefault("sweep.poll_interval", "10s")
	viper.SetDefault("sweep.claim_batch", 10)
	viper.SetDefault("sweep.max_retries", 3)
	viper.SetDefault("sweep.retry_backoff", "30s")
	viper.SetDefault("sweep.backoff_cap", "10m")
	viper.SetDefault("sweep.task_ttl", "6h")
	viper.SetDefault("sweep.keystore_path", "keystore.json")

	viper.SetDefault("energy.health_ttl", "5m")
	viper.SetDefault("energy.allocation_ttl", "24h")
	viper.SetDefault("energy.fallback_unit_price", "420")

	viper.SetDefault("withdraw.workers", 2)
	viper.SetDefault("withdraw.max_concurrency", 5)
	viper.SetDefault("withdraw.max_retries", 3)
	viper.SetDefault("withdraw.retry_backoff", "1m")
	viper.SetDefault("withdraw.plan_interval", "30s")
}
