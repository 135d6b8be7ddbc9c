// Package config loads syncd settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Couch   CouchConfig
	Objects ObjectStoreConfig
	Redis   RedisConfig
	SMS     SMSConfig
	Sync    SyncConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Addr string `validate:"required"`
}

type StoreConfig struct {
	DataDir string `validate:"required"`
}

type CouchConfig struct {
	URL      string `validate:"omitempty,url"`
	User     string
	Password string
	Database string `validate:"required"`
	EnsureDB bool
}

type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type RedisConfig struct {
	URL      string
	DedupTTL time.Duration
}

type SMSConfig struct {
	GatewayURL string `validate:"omitempty,url"`
	APIKey     string
	From       string
	ClinicName string
}

type SyncConfig struct {
	MaxAttempts   int           `validate:"min=1"`
	BackoffBase   time.Duration `validate:"gt=0"`
	BackoffMax    time.Duration `validate:"gtefield=BackoffBase"`
	CallTimeout   time.Duration `validate:"gt=0"`
	SyncInterval  time.Duration `validate:"gt=0"`
	ProbeInterval time.Duration `validate:"gte=0"`
	QueueMaxSize  int           `validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `validate:"oneof=debug info warning error"`
	File  string
}

// Enabled reports whether a remote document service is configured.
func (c CouchConfig) Enabled() bool { return c.URL != "" }

// Enabled reports whether attachment uploads are configured.
func (c ObjectStoreConfig) Enabled() bool { return c.Endpoint != "" && c.Bucket != "" }

func Load() (*Config, error) {
	godotenv.Load()

	dedupTTL, err := getEnvAsDuration("REDIS_DEDUP_TTL", "168h")
	if err != nil {
		return nil, err
	}
	backoffBase, err := getEnvAsDuration("SYNC_BACKOFF_BASE", "2s")
	if err != nil {
		return nil, err
	}
	backoffMax, err := getEnvAsDuration("SYNC_BACKOFF_MAX", "60s")
	if err != nil {
		return nil, err
	}
	callTimeout, err := getEnvAsDuration("SYNC_CALL_TIMEOUT", "15s")
	if err != nil {
		return nil, err
	}
	syncInterval, err := getEnvAsDuration("SYNC_INTERVAL", "30s")
	if err != nil {
		return nil, err
	}
	probeInterval, err := getEnvAsDuration("SYNC_PROBE_INTERVAL", "10s")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr: getEnv("SYNCD_ADDR", "127.0.0.1:7420"),
		},
		Store: StoreConfig{
			DataDir: getEnv("SYNCD_DATA_DIR", defaultDataDir()),
		},
		Couch: CouchConfig{
			URL:      getEnv("COUCHDB_URL", ""),
			User:     getEnv("COUCHDB_USER", ""),
			Password: getEnv("COUCHDB_PASSWORD", ""),
			Database: getEnv("COUCHDB_DATABASE", "clinic"),
			EnsureDB: getEnvAsBool("COUCHDB_ENSURE_DB", false),
		},
		Objects: ObjectStoreConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			Bucket:    getEnv("MINIO_BUCKET", "clinic-attachments"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			Region:    getEnv("MINIO_REGION", ""),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			DedupTTL: dedupTTL,
		},
		SMS: SMSConfig{
			GatewayURL: getEnv("SMS_GATEWAY_URL", ""),
			APIKey:     getEnv("SMS_API_KEY", ""),
			From:       getEnv("SMS_FROM", ""),
			ClinicName: getEnv("CLINIC_NAME", "Your dental office"),
		},
		Sync: SyncConfig{
			MaxAttempts:   getEnvAsInt("SYNC_MAX_ATTEMPTS", 5),
			BackoffBase:   backoffBase,
			BackoffMax:    backoffMax,
			CallTimeout:   callTimeout,
			SyncInterval:  syncInterval,
			ProbeInterval: probeInterval,
			QueueMaxSize:  getEnvAsInt("SYNC_QUEUE_MAX_SIZE", 0),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "syncd"
	}
	return ".syncd"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
