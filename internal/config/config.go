package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`

	// Database Configuration
	Database DatabaseConfig `mapstructure:"database"`

	// MongoDB backs attachment lookups
	MongoDB MongoConfig `mapstructure:"mongodb"`

	Auth AuthConfig `mapstructure:"auth"`

	Chat ChatConfig `mapstructure:"chat"`

	// NATS relays room events between instances
	NATS NATSConfig `mapstructure:"nats"`

	// Logging Configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	HTTPPort     string        `mapstructure:"http_port"`
	GRPCPort     string        `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // development, staging, production

	// AllowedOrigins are extra websocket origin patterns, e.g. "portal.example.com"
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains message store configuration
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql or pebble
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DatabaseName string `mapstructure:"database_name"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	PebblePath   string `mapstructure:"pebble_path"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Bucket   string `mapstructure:"bucket"`
	Enabled  bool   `mapstructure:"enabled"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// ChatConfig holds the messaging core's timing and limits
type ChatConfig struct {
	PushTimeout       time.Duration `mapstructure:"push_timeout"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	TypingIdleTimeout time.Duration `mapstructure:"typing_idle_timeout"`
	MaxContentLength  int           `mapstructure:"max_content_length"`
	PageSizeDefault   int           `mapstructure:"page_size_default"`
	PageSizeMax       int           `mapstructure:"page_size_max"`
	InboundRPS        float64       `mapstructure:"inbound_rps"`
	InboundBurst      int           `mapstructure:"inbound_burst"`
	NotifyWorkers     int           `mapstructure:"notify_workers"`
	NotifyBuffer      int           `mapstructure:"notify_buffer"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	NodeID        string `mapstructure:"node_id"`
	Enabled       bool   `mapstructure:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// env names are kept flat, the way the deployment manifests already spell them
var envBindings = map[string]string{
	"server.host":               "SERVER_HOST",
	"server.http_port":          "HTTP_PORT",
	"server.grpc_port":          "GRPC_PORT",
	"server.read_timeout":       "HTTP_READ_TIMEOUT",
	"server.write_timeout":      "HTTP_WRITE_TIMEOUT",
	"server.environment":        "ENVIRONMENT",
	"server.allowed_origins":    "WS_ALLOWED_ORIGINS",
	"database.driver":           "STORE_DRIVER",
	"database.host":             "MYSQL_HOST",
	"database.port":             "MYSQL_PORT",
	"database.username":         "MYSQL_USERNAME",
	"database.password":         "MYSQL_PASSWORD",
	"database.database_name":    "MYSQL_DATABASE",
	"database.max_open_conns":   "MYSQL_MAX_OPEN_CONNS",
	"database.max_idle_conns":   "MYSQL_MAX_IDLE_CONNS",
	"database.pebble_path":      "PEBBLE_PATH",
	"mongodb.uri":               "MONGO_URI",
	"mongodb.database":          "MONGO_DATABASE",
	"mongodb.bucket":            "MONGO_BUCKET",
	"mongodb.enabled":           "MONGO_ENABLED",
	"auth.jwt_secret":           "JWT_SECRET",
	"auth.issuer":               "JWT_ISSUER",
	"chat.push_timeout":         "CHAT_PUSH_TIMEOUT",
	"chat.heartbeat_timeout":    "CHAT_HEARTBEAT_TIMEOUT",
	"chat.typing_idle_timeout":  "CHAT_TYPING_IDLE_TIMEOUT",
	"chat.max_content_length":   "CHAT_MAX_CONTENT_LENGTH",
	"chat.page_size_default":    "CHAT_PAGE_SIZE_DEFAULT",
	"chat.page_size_max":        "CHAT_PAGE_SIZE_MAX",
	"chat.inbound_rps":          "CHAT_INBOUND_RPS",
	"chat.inbound_burst":        "CHAT_INBOUND_BURST",
	"chat.notify_workers":       "CHAT_NOTIFY_WORKERS",
	"chat.notify_buffer":        "CHAT_NOTIFY_BUFFER",
	"nats.url":                  "NATS_URL",
	"nats.subject_prefix":       "NATS_SUBJECT_PREFIX",
	"nats.node_id":              "NATS_NODE_ID",
	"nats.enabled":              "NATS_ENABLED",
	"logging.level":             "LOG_LEVEL",
	"logging.format":            "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", "7003")
	v.SetDefault("server.grpc_port", "7013")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.username", "clinic")
	v.SetDefault("database.password", "clinic123")
	v.SetDefault("database.database_name", "clinic_chat")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.pebble_path", "./data/chat")

	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "clinic")
	v.SetDefault("mongodb.bucket", "attachments")
	v.SetDefault("mongodb.enabled", false)

	v.SetDefault("auth.jwt_secret", "change-me")
	v.SetDefault("auth.issuer", "clinic-portal")

	v.SetDefault("chat.push_timeout", "2s")
	v.SetDefault("chat.heartbeat_timeout", "45s")
	v.SetDefault("chat.typing_idle_timeout", "5s")
	v.SetDefault("chat.max_content_length", 4000)
	v.SetDefault("chat.page_size_default", 50)
	v.SetDefault("chat.page_size_max", 200)
	v.SetDefault("chat.inbound_rps", 20)
	v.SetDefault("chat.inbound_burst", 40)
	v.SetDefault("chat.notify_workers", 4)
	v.SetDefault("chat.notify_buffer", 1000)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.subject_prefix", "clinicchat")
	v.SetDefault("nats.node_id", "")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadConfig reads .env (if present), an optional CONFIG_FILE and the environment.
// Anything unset falls back to development defaults.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", slog.Any("error", err))
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file := viperEnv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("config file not readable, relying on defaults/env vars", slog.String("file", file), slog.Any("error", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("config unmarshal failed, using defaults", slog.Any("error", err))
		fallback := viper.New()
		setDefaults(fallback)
		_ = fallback.Unmarshal(&cfg)
	}
	return &cfg
}

func viperEnv(key string) string {
	v := viper.New()
	_ = v.BindEnv(key)
	return v.GetString(key)
}

func (cfg *Config) DSN() string {
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = "3306"
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Database.Username,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.DatabaseName,
	)
}

func (cfg *Config) HTTPAddr() string {
	return cfg.Server.Host + ":" + cfg.Server.HTTPPort
}

func (cfg *Config) GRPCAddr() string {
	return cfg.Server.Host + ":" + cfg.Server.GRPCPort
}
