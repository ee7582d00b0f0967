package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates all copy trader configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Signing  SigningConfig  `mapstructure:"signing"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Markets  MarketsConfig  `mapstructure:"markets"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Custody  CustodyConfig  `mapstructure:"custody"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	CallbackURL     string        `mapstructure:"callback_url"`
	AdminUser       string        `mapstructure:"admin_user"`
	AdminPassword   string        `mapstructure:"admin_password"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SigningConfig holds the job dispatcher's signing keys
type SigningConfig struct {
	CurrentKey string `mapstructure:"current_key"`
	NextKey    string `mapstructure:"next_key"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	StableAsset    string        `mapstructure:"stable_asset"`
	StableDecimals int32         `mapstructure:"stable_decimals"`
	SlippageBps    int           `mapstructure:"slippage_bps"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollAttempts   int           `mapstructure:"poll_attempts"`
}

type MarketsConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	SettlementAsset string `mapstructure:"settlement_asset"`
}

type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	Commitment      string        `mapstructure:"commitment"`
	ConfirmInterval time.Duration `mapstructure:"confirm_interval"`
	ConfirmAttempts int           `mapstructure:"confirm_attempts"`
}

// CustodyConfig selects where follower signing keys come from
type CustodyConfig struct {
	Mode            string            `mapstructure:"mode"` // "static" or "gcp"
	ProjectID       string            `mapstructure:"project_id"`
	SecretPrefix    string            `mapstructure:"secret_prefix"`
	CredentialsFile string            `mapstructure:"credentials_file"`
	StaticKeys      map[string]string `mapstructure:"static_keys"`
}

type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	GroupID       string        `mapstructure:"group_id"`
	DLQTopic      string        `mapstructure:"dlq_topic"`
	Subject       string        `mapstructure:"subject"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	CustodyStatic = "static"
	CustodyGCP    = "gcp"
)

// Load reads configuration from an optional YAML file and COPYTRADER_ env vars
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("COPYTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := overrideFromEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.callback_url", "")
	v.SetDefault("server.admin_user", "")
	v.SetDefault("server.admin_password", "")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "150s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("signing.current_key", "")
	v.SetDefault("signing.next_key", "")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "hunch")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.min_conns", 2)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("broker.base_url", "")
	v.SetDefault("broker.api_key", "")
	v.SetDefault("broker.stable_asset", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	v.SetDefault("broker.stable_decimals", 6)
	v.SetDefault("broker.slippage_bps", 100)
	v.SetDefault("broker.rate_limit", 10)
	v.SetDefault("broker.rate_burst", 10)
	v.SetDefault("broker.poll_interval", "2s")
	v.SetDefault("broker.poll_attempts", 30)

	v.SetDefault("markets.base_url", "")
	v.SetDefault("markets.settlement_asset", "")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.commitment", "confirmed")
	v.SetDefault("chain.confirm_interval", "2s")
	v.SetDefault("chain.confirm_attempts", 30)

	v.SetDefault("custody.mode", CustodyStatic)
	v.SetDefault("custody.project_id", "")
	v.SetDefault("custody.secret_prefix", "follower-wallet-")
	v.SetDefault("custody.credentials_file", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "copy-jobs")
	v.SetDefault("kafka.group_id", "copytrader")
	v.SetDefault("kafka.dlq_topic", "copy-jobs-dlq")
	v.SetDefault("kafka.subject", "")
	v.SetDefault("kafka.max_deliveries", 5)
	v.SetDefault("kafka.retry_backoff", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func overrideFromEnv(cfg *Config) error {
	// Static keys come as a JSON object of owner id to encoded key
	if raw := os.Getenv("COPYTRADER_CUSTODY_STATIC_KEYS_JSON"); raw != "" {
		keys := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			return fmt.Errorf("COPYTRADER_CUSTODY_STATIC_KEYS_JSON: %w", err)
		}
		cfg.Custody.StaticKeys = keys
	}
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	return nil
}

// Validate reports the required values that are missing for serving jobs
func (c *Config) Validate() error {
	var problems []string
	if c.Signing.CurrentKey == "" && c.Signing.NextKey == "" {
		problems = append(problems, "signing.current_key or signing.next_key is required")
	}
	if c.Postgres.Host == "" || c.Postgres.Database == "" {
		problems = append(problems, "postgres.host and postgres.database are required")
	}
	if c.Broker.BaseURL == "" {
		problems = append(problems, "broker.base_url is required")
	}
	if c.Broker.StableAsset == "" {
		problems = append(problems, "broker.stable_asset is required")
	}
	if c.Markets.BaseURL == "" {
		problems = append(problems, "markets.base_url is required")
	}
	if c.Markets.SettlementAsset == "" {
		problems = append(problems, "markets.settlement_asset is required")
	}
	if c.Server.CallbackURL == "" {
		problems = append(problems, "server.callback_url is required")
	}
	if c.Chain.RPCURL == "" {
		problems = append(problems, "chain.rpc_url is required")
	}
	if (c.Server.AdminUser == "") != (c.Server.AdminPassword == "") {
		problems = append(problems, "server.admin_user and server.admin_password must be set together")
	}

	switch c.Custody.Mode {
	case CustodyStatic:
	case CustodyGCP:
		if c.Custody.ProjectID == "" {
			problems = append(problems, "custody.project_id is required for gcp custody")
		}
	default:
		problems = append(problems, fmt.Sprintf("custody.mode %q must be static or gcp", c.Custody.Mode))
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" || c.Kafka.GroupID == "" {
			problems = append(problems, "kafka.brokers, kafka.topic and kafka.group_id are required when kafka is enabled")
		}
		if c.Kafka.Subject == "" {
			problems = append(problems, "kafka.subject is required when kafka is enabled")
		}
		if c.Kafka.MaxDeliveries < 1 {
			problems = append(problems, "kafka.max_deliveries must be at least 1")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PostgresAddr is host:port, for logging
func (c *Config) PostgresAddr() string {
	return fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port)
}
