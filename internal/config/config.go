package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	KMS        KMSConfig
	Keys       KeysConfig
	Hashing    HashingConfig
	Bucketing  BucketingConfig
	OTP        OTPConfig
	RateLimit  RateLimitConfig
	Deletion   DeletionConfig
	Sender     SenderConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// KeysConfig holds the server-side secrets: the blind index key, the
// local (non-KMS) phone cipher master key, and the purge trigger
// secret. Lookups break silently if the blind index key ever changes.
type KeysConfig struct {
	BlindIndexKey  string
	PhoneCipherKey string
	PurgeSecret    string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

type BucketingConfig struct {
	IdentityBuckets int
}

type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

type RateLimitConfig struct {
	Window       time.Duration
	MaxIssuances int
	LockoutBase  time.Duration
	LockoutMax   time.Duration
}

type DeletionConfig struct {
	GracePeriod time.Duration
	// How many schedule date buckets back PurgeDue scans. Bounds the
	// scan when the external trigger has been stalled for a while.
	ScanBackDays int
}

type SenderConfig struct {
	WhatsAppURL   string
	WhatsAppToken string
	SMTPAddr      string
	SMTPFrom      string
	SMTPUsername  string
	SMTPPassword  string
}

var (
	globalConfig *Config
	once         sync.Once
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		globalConfig = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/cache/identity-certs"),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Enabled: getEnvBool("KAFKA_ENABLED", false),
				Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				Topic:   getEnv("KAFKA_IDENTITY_EVENTS_TOPIC", "identity-events"),
			},
			Clickhouse: ClickhouseConfig{
				Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
				URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
				Database: getEnv("CLICKHOUSE_DATABASE", "identity_audit"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "ap-south-1"),
			},
			Keys: KeysConfig{
				BlindIndexKey:  getEnv("BLIND_INDEX_KEY", ""),
				PhoneCipherKey: getEnv("PHONE_CIPHER_KEY", ""),
				PurgeSecret:    getEnv("PURGE_SECRET", ""),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			},
			Bucketing: BucketingConfig{
				IdentityBuckets: getEnvInt("IDENTITY_BUCKETS", 64),
			},
			OTP: OTPConfig{
				TTL:         getEnvDuration("OTP_TTL", 5*time.Minute),
				MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 5),
			},
			RateLimit: RateLimitConfig{
				Window:       getEnvDuration("RATE_LIMIT_WINDOW", 15*time.Minute),
				MaxIssuances: getEnvInt("RATE_LIMIT_MAX_ISSUANCES", 5),
				LockoutBase:  getEnvDuration("RATE_LIMIT_LOCKOUT_BASE", 15*time.Minute),
				LockoutMax:   getEnvDuration("RATE_LIMIT_LOCKOUT_MAX", 24*time.Hour),
			},
			Deletion: DeletionConfig{
				GracePeriod:  getEnvDuration("DELETION_GRACE_PERIOD", 72*time.Hour),
				ScanBackDays: getEnvInt("DELETION_SCAN_BACK_DAYS", 30),
			},
			Sender: SenderConfig{
				WhatsAppURL:   getEnv("WHATSAPP_API_URL", ""),
				WhatsAppToken: getEnv("WHATSAPP_API_TOKEN", ""),
				SMTPAddr:      getEnv("SMTP_ADDR", ""),
				SMTPFrom:      getEnv("SMTP_FROM", ""),
				SMTPUsername:  getEnv("SMTP_USERNAME", ""),
				SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
			},
		}
	})
	return globalConfig
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate catches the misconfigurations that would otherwise surface
// as silent lookup failures or an unguarded purge endpoint.
func (c *Config) Validate() error {
	if c.Keys.BlindIndexKey == "" {
		return fmt.Errorf("BLIND_INDEX_KEY is required")
	}
	if !c.KMS.Enabled && c.Keys.PhoneCipherKey == "" {
		return fmt.Errorf("PHONE_CIPHER_KEY is required when KMS is disabled")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.IsProduction() && c.Keys.PurgeSecret == "" {
		return fmt.Errorf("PURGE_SECRET is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
