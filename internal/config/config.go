package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/xxxsen/common/logger"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreSupabase = "supabase"

	MailLog   = "log"
	MailSMTP  = "smtp"
	MailKafka = "kafka"
)

type Config struct {
	Port           int              `json:"port"`
	BasePath       string           `json:"base_path"`
	RequestTimeout int              `json:"request_timeout"`
	CORSAllowlist  []string         `json:"cors_allowlist"`
	LogConfig      logger.LogConfig `json:"log_config"`
	Database       DatabaseConfig   `json:"database"`
	Redis          RedisConfig      `json:"redis"`
	Supabase       SupabaseConfig   `json:"supabase"`
	CodeStore      string           `json:"code_store"`
	AccountStore   string           `json:"account_store"`
	RateLimit      RateLimitConfig  `json:"rate_limit"`
	Mail           MailConfig       `json:"mail"`
	Auth           AuthConfig       `json:"auth"`
	PurgeCron      string           `json:"purge_cron"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SupabaseConfig struct {
	URL        string `json:"url"`
	ServiceKey string `json:"service_key"`
}

type RateLimitConfig struct {
	Store         string `json:"store"`
	Capacity      int    `json:"capacity"`
	EntryTTLHours int    `json:"entry_ttl_hours"`
}

type MailConfig struct {
	Type     string      `json:"type"`
	Host     string      `json:"host"`
	Port     int         `json:"port"`
	Username string      `json:"username"`
	Password string      `json:"password"`
	From     string      `json:"from"`
	Kafka    KafkaConfig `json:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// AuthConfig controls the bearer check. With an empty secret only the
// presence of the Authorization header is required.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// Load reads the json config at path. Values from the environment (and a
// .env file in the working directory, when present) override the file.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	_ = godotenv.Load()
	applyEnv(&cfg)
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SUPABASE_URL"); v != "" {
		cfg.Supabase.URL = v
	}
	if v := os.Getenv("SUPABASE_SERVICE_ROLE_KEY"); v != "" {
		cfg.Supabase.ServiceKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
}

func (cfg *Config) normalize() error {
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/functions/v1"
	}
	cfg.BasePath = "/" + strings.Trim(cfg.BasePath, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.CodeStore == "" {
		cfg.CodeStore = StorePostgres
	}
	if cfg.AccountStore == "" {
		cfg.AccountStore = cfg.CodeStore
		if cfg.AccountStore == StoreRedis {
			cfg.AccountStore = StorePostgres
		}
	}
	if cfg.RateLimit.Store == "" {
		cfg.RateLimit.Store = StoreMemory
	}
	if cfg.Mail.Type == "" {
		cfg.Mail.Type = MailLog
	}

	switch cfg.CodeStore {
	case StorePostgres, StoreRedis, StoreSupabase:
	default:
		return fmt.Errorf("code_store must be postgres, redis or supabase")
	}
	switch cfg.AccountStore {
	case StorePostgres, StoreSupabase:
	default:
		return fmt.Errorf("account_store must be postgres or supabase")
	}
	switch cfg.RateLimit.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("rate_limit.store must be memory or redis")
	}
	if cfg.Uses(StorePostgres) && cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required for postgres")
	}
	if cfg.Uses(StoreRedis) && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for redis")
	}
	if cfg.Uses(StoreSupabase) && (cfg.Supabase.URL == "" || cfg.Supabase.ServiceKey == "") {
		return fmt.Errorf("supabase url/service_key are required for supabase")
	}

	switch cfg.Mail.Type {
	case MailLog:
	case MailSMTP:
		if cfg.Mail.Host == "" || cfg.Mail.Port == 0 || cfg.Mail.From == "" {
			return fmt.Errorf("mail host/port/from are required for smtp")
		}
	case MailKafka:
		if len(cfg.Mail.Kafka.Brokers) == 0 || cfg.Mail.Kafka.Topic == "" {
			return fmt.Errorf("mail.kafka brokers/topic are required for kafka")
		}
	default:
		return fmt.Errorf("mail.type must be log, smtp or kafka")
	}
	return nil
}

// Uses reports whether any component is configured with the given backend.
func (cfg *Config) Uses(store string) bool {
	return cfg.CodeStore == store || cfg.AccountStore == store || cfg.RateLimit.Store == store
}
