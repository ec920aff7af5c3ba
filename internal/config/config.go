package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// AdminToken and IngestToken guard /admin and /internal. Empty leaves the group open.
	AdminToken  string
	IngestToken string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Patreon  PatreonConfig
	Worker   WorkerConfig
	Ingest   IngestConfig

	SnowflakeNode int64
	SyncConfigDir string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Disabled falls back to in-process locking and skips the queue.
	Disabled bool
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type PatreonConfig struct {
	BaseURL           string
	CampaignID        string
	AccessToken       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

type WorkerConfig struct {
	Concurrency int
	// SchedulerJobs limits the periodic jobs this process runs. Empty runs all.
	SchedulerJobs []string
}

// IngestConfig throttles the internal reward event ingest endpoint per provider.
type IngestConfig struct {
	RateLimitEnabled bool
	Rate             float64
	Burst            int
	LockTTL          time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:      getenv("APP_SERVICE", "rewardsync"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		AdminToken:   strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		IngestToken:  strings.TrimSpace(getenv("INGEST_API_TOKEN", "")),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rewardsync"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
			Disabled: getenvBool("REDIS_DISABLED", false),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      strings.TrimSpace(getenv("RABBITMQ_URL", "")),
			Exchange: getenv("RABBITMQ_EXCHANGE", "rewards.announcements"),
		},
		Patreon: PatreonConfig{
			BaseURL:           getenv("PATREON_API_BASE_URL", "https://www.patreon.com/api/oauth2/v2"),
			CampaignID:        strings.TrimSpace(getenv("PATREON_CAMPAIGN_ID", "")),
			AccessToken:       strings.TrimSpace(getenv("PATREON_ACCESS_TOKEN", "")),
			RequestsPerSecond: getenvFloat("PATREON_REQUESTS_PER_SECOND", 2),
			Timeout:           getenvDuration("PATREON_TIMEOUT", 30*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:   getenvInt("WORKER_CONCURRENCY", 10),
			SchedulerJobs: getenvList("SCHEDULER_JOBS"),
		},
		Ingest: IngestConfig{
			RateLimitEnabled: getenvBool("INGEST_RATE_LIMIT_ENABLED", false),
			Rate:             getenvFloat("INGEST_RATE_PER_SECOND", 50),
			Burst:            getenvInt("INGEST_RATE_BURST", 100),
			LockTTL:          getenvDuration("USER_LOCK_TTL", 30*time.Second),
		},

		SnowflakeNode: int64(getenvInt("SNOWFLAKE_NODE", 1)),
		SyncConfigDir: getenv("SYNC_CONFIG_DIR", ""),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
