package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StorageMode string

const (
	ModeLocal  StorageMode = "local"
	ModeRemote StorageMode = "remote"
)

const (
	ProviderS3  = "s3"
	ProviderGCS = "gcs"
)

// StorageConfig selects where finished artifacts go. It is built once by
// Load and handed to the storage backends and the job processor.
type StorageConfig struct {
	Mode         StorageMode
	Provider     string
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
	// GCSCredentialsFile is a service account JSON file; empty means
	// application default credentials.
	GCSCredentialsFile string
	PathPrefix         string
	PublicURL          string
	DedupEnabled       bool
	DedupTTL           time.Duration
}

func (s StorageConfig) Remote() bool {
	return s.Mode == ModeRemote
}

type Config struct {
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	PendingQueue      string
	ProcessingQueue   string
	FailedQueue       string
	DelayedQueue      string
	ClaimsKey         string
	StatusKeyPrefix   string
	DedupKeyPrefix    string
	CancelKeyPrefix   string
	WorkerCount       int
	FFmpegPath        string
	TempDir           string
	DatabaseURL       string
	ConversionTimeout int
	MaxRetries        int
	VisibilityTimeout int
	Storage           StorageConfig
}

func Load() *Config {
	redisPrefix := getEnv("REDIS_PREFIX", "")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "mediaconv")
	dbUser := getEnv("DB_USERNAME", "mediaconv")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq accepts "key=value" connection strings, which avoids URI
	// escaping problems with passwords.
	dbURL := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}
	if url := getEnv("DATABASE_URL", ""); url != "" {
		dbURL = url
	}

	processingQueue := applyPrefix(getEnv("CONVERSION_PROCESSING_QUEUE", "conversion:processing"), redisPrefix)

	return &Config{
		RedisAddr:         getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:       redisPrefix,
		PendingQueue:      applyPrefix(getEnv("CONVERSION_PENDING_QUEUE", "conversion:pending"), redisPrefix),
		ProcessingQueue:   processingQueue,
		FailedQueue:       applyPrefix(getEnv("CONVERSION_FAILED_QUEUE", "conversion:failed"), redisPrefix),
		DelayedQueue:      applyPrefix(getEnv("CONVERSION_DELAYED_QUEUE", "conversion:delayed"), redisPrefix),
		ClaimsKey:         processingQueue + ":claims",
		StatusKeyPrefix:   applyPrefix("conversion:status:", redisPrefix),
		DedupKeyPrefix:    applyPrefix("conversion:dedup:", redisPrefix),
		CancelKeyPrefix:   applyPrefix("conversion:cancel:", redisPrefix),
		WorkerCount:       getEnvInt("CONVERSION_WORKER_COUNT", 3),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		TempDir:           getEnv("CONVERSION_TEMP_DIR", os.TempDir()),
		DatabaseURL:       dbURL,
		ConversionTimeout: getEnvInt("CONVERSION_TIMEOUT", 300),
		MaxRetries:        getEnvInt("CONVERSION_MAX_RETRIES", 3),
		VisibilityTimeout: getEnvInt("CONVERSION_VISIBILITY_TIMEOUT", 900),
		Storage:           loadStorage(),
	}
}

func loadStorage() StorageConfig {
	return StorageConfig{
		Mode:     parseMode(getEnv("STORAGE_MODE", "local")),
		Provider: strings.ToLower(getEnv("STORAGE_PROVIDER", ProviderS3)),
		// Prefer the S3_* names, fall back to legacy AWS_* names
		Bucket:             getEnvWithFallback("S3_BUCKET", "AWS_BUCKET", ""),
		Region:             getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		Endpoint:           getEnv("S3_ENDPOINT", ""),
		UsePathStyle:       getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		AccessKey:          getEnvFirst("", "S3_KEY", "S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"),
		SecretKey:          getEnvFirst("", "S3_SECRET", "S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		PathPrefix:         strings.Trim(getEnv("S3_PATH_PREFIX", ""), "/"),
		PublicURL:          strings.TrimRight(getEnv("S3_PUBLIC_URL", ""), "/"),
		DedupEnabled:       getEnvBool("S3_DEDUP_ENABLED", false),
		DedupTTL:           time.Duration(getEnvInt("S3_DEDUP_TTL", 0)) * time.Second,
	}
}

// parseMode maps STORAGE_MODE onto a mode. "s3" and "gcs" are
// accepted for compatibility with older deployments.
func parseMode(value string) StorageMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "remote", "s3", "gcs":
		return ModeRemote
	default:
		return ModeLocal
	}
}

// Validate reports configuration that would make every job fail.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return errors.New("CONVERSION_WORKER_COUNT must be at least 1")
	}
	if c.ConversionTimeout < 1 {
		return errors.New("CONVERSION_TIMEOUT must be at least 1 second")
	}
	if !c.Storage.Remote() {
		return nil
	}
	if c.Storage.Bucket == "" {
		return errors.New("S3_BUCKET is required in remote storage mode")
	}
	switch c.Storage.Provider {
	case ProviderS3, ProviderGCS:
	default:
		return fmt.Errorf("unknown STORAGE_PROVIDER %q", c.Storage.Provider)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

// getEnvFirst returns the first non-empty value among keys.
func getEnvFirst(fallback string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
