package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Object store backends.
const (
	StoreMinio = "minio"
	StoreS3    = "s3"
	StoreLocal = "local"
)

// Config holds application configuration.
type Config struct {
	Port             string
	Env              string
	CORSAllowOrigin  []string
	InstanceID       string
	ObjectStoreType  string
	BucketName       string
	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3UseSSL         bool
	S3ForcePathStyle bool
	AWSRegion        string
	S3Prefix         string
	SSEKMSKeyID      string
	LocalStoreDir    string
	StagingDir       string
	MaxUploadBytes   int64
	RateLimitRPS     float64
	RateLimitBurst   int
	StartupTimeout   time.Duration
	ShutdownTimeout  time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	return Config{
		Port:             getEnv("PORT", "8080"),
		Env:              normalizeEnv(getEnv("ENV", "dev")),
		CORSAllowOrigin:  splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "")),
		InstanceID:       getEnv("INSTANCE_ID", defaultInstanceID()),
		ObjectStoreType:  normalizeStoreType(getEnv("OBJECT_STORE", StoreMinio)),
		BucketName:       getEnv("BUCKET_NAME", "sessions"),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:      getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:         getBool("S3_USE_SSL", false),
		S3ForcePathStyle: getBool("S3_FORCE_PATH_STYLE", true),
		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		S3Prefix:         getEnv("S3_PREFIX", ""),
		SSEKMSKeyID:      getEnv("SSE_KMS_KEY_ID", ""),
		LocalStoreDir:    getEnv("LOCAL_STORE_DIR", "./data"),
		StagingDir:       getEnv("STAGING_DIR", os.TempDir()),
		MaxUploadBytes:   getInt64("MAX_UPLOAD_BYTES", 0),
		RateLimitRPS:     getFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst:   max(int(getInt64("RATE_LIMIT_BURST", 20)), 1),
		StartupTimeout:   time.Duration(getInt64("STARTUP_TIMEOUT_SECONDS", 30)) * time.Second,
		ShutdownTimeout:  time.Duration(getInt64("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return parsed
}

func getInt64(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func getFloat(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StoreS3:
		return StoreS3
	case StoreLocal:
		return StoreLocal
	default:
		return StoreMinio
	}
}
