package config

import (
	"os"
	"strconv"
	"time"
)

// GatewayConfig holds configuration for the API gateway binary.
type GatewayConfig struct {
	HTTPPort            string
	DatabaseURL         string
	MaxChunkSize        int64
	SessionTTL          time.Duration
	CleanupInterval     time.Duration
	RingRefreshInterval time.Duration
	HeartbeatWindow     time.Duration
	PlacementAttempts   int
	UploadParallelism   int
}

// StorageNodeConfig holds configuration for the storage node binary.
type StorageNodeConfig struct {
	HTTPPort          string
	DataDir           string
	DatabaseURL       string
	AdvertiseAddr     string
	HeartbeatInterval time.Duration
}

// LoadGateway reads gateway configuration from the environment.
func LoadGateway() *GatewayConfig {
	return &GatewayConfig{
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		MaxChunkSize:        getEnvInt64("MAX_CHUNK_SIZE", defaultMaxChunkSize),
		SessionTTL:          getEnvDuration("SESSION_TTL", 30*time.Minute),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 5*time.Minute),
		RingRefreshInterval: getEnvDuration("RING_REFRESH_INTERVAL", 30*time.Second),
		HeartbeatWindow:     getEnvDuration("HEARTBEAT_WINDOW", 30*time.Second),
		PlacementAttempts:   getEnvInt("PLACEMENT_ATTEMPTS", 3),
		UploadParallelism:   getEnvInt("UPLOAD_PARALLELISM", 4),
	}
}

// LoadStorageNode reads storage node configuration from the environment.
func LoadStorageNode() *StorageNodeConfig {
	return &StorageNodeConfig{
		HTTPPort:          getEnv("HTTP_PORT", "9000"),
		DataDir:           getEnv("DATA_DIR", "/data"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		AdvertiseAddr:     getEnv("ADVERTISE_ADDR", ""),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
	}
}

// defaultMaxChunkSize is ceil(10 GiB / 6), so a maximum-size file splits
// into exactly six chunks.
const defaultMaxChunkSize = (10<<30 + 5) / 6

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
