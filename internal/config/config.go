package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Auth      AuthConfig
	Node      NodeConfig
	WebSocket WebSocketConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Push      PushConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string
}

type StoreConfig struct {
	Driver string
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// NodeConfig identifies this process among gateway nodes. Connection
// handles are prefixed with the node id.
type NodeConfig struct {
	ID string
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	// InboxSize bounds inbound events queued per connection. When full, the
	// read loop waits for the worker.
	InboxSize int `mapstructure:"inbox_size"`
}

// RedisConfig enables the cross-node relay when Address is set.
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// KafkaConfig enables the message lifecycle stream when Brokers is set.
type KafkaConfig struct {
	Brokers    string
	Topic      string
	Partitions int
}

type PushConfig struct {
	FCMCredentialsJSON string        `mapstructure:"fcm_credentials_json"`
	ExpoEndpoint       string        `mapstructure:"expo_endpoint"`
	ExpoAccessToken    string        `mapstructure:"expo_access_token"`
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	Timeout            time.Duration `mapstructure:"timeout"`
	ReadReceipts       bool          `mapstructure:"read_receipts"`
}

type RateLimitConfig struct {
	Window time.Duration
	Max    int
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from an optional config.yaml and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Node.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "node"
		}
		cfg.Node.ID = host
	}
	cfg.Node.ID = strings.ReplaceAll(cfg.Node.ID, ":", "-")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.url", "")
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("node.id", "")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 16384)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.inbox_size", 64)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "marketchat:node")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "message-lifecycle")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("push.fcm_credentials_json", "")
	v.SetDefault("push.expo_endpoint", "https://exp.host/--/api/v2/push/send")
	v.SetDefault("push.expo_access_token", "")
	v.SetDefault("push.workers", 4)
	v.SetDefault("push.queue_size", 1024)
	v.SetDefault("push.timeout", "10s")
	v.SetDefault("push.read_receipts", true)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.max", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("node.id", "NODE_ID")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	_ = v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	_ = v.BindEnv("push.fcm_credentials_json", "FIREBASE_SERVICE_ACCOUNT_JSON")
	_ = v.BindEnv("push.expo_access_token", "EXPO_ACCESS_TOKEN")
	_ = v.BindEnv("push.read_receipts", "PUSH_READ_RECEIPTS")
	_ = v.BindEnv("ratelimit.max", "RATE_LIMIT_MAX")
	_ = v.BindEnv("ratelimit.window", "RATE_LIMIT_WINDOW")
	_ = v.BindEnv("websocket.inbox_size", "WS_INBOX_SIZE")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("log.pretty", "LOG_PRETTY")
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive")
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("ratelimit.max must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}
	if c.WebSocket.InboxSize <= 0 {
		return fmt.Errorf("websocket.inbox_size must be positive")
	}
	if strings.Contains(c.Node.ID, ":") {
		return fmt.Errorf("node.id must not contain ':'")
	}
	if c.Push.Workers <= 0 {
		return fmt.Errorf("push.workers must be positive")
	}
	return nil
}
