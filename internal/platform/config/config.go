package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration assembled from the environment.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	HLSRoot            string
	KeepN              int
	SegmentDuration    int
	Container          string
	DuplicatePolicy    string
	SegmentBaseURL     string
	MaxUploadBytes     int64
	UploadRatePerMin   int
	AuthJWTSecret      string
	ClientRegistryURL  string
	ClientAllowlist    []string
	SignalIdleTimeout  time.Duration
	SignalRoomIdleTTL  time.Duration
	SignalRoomSweep    time.Duration
	SignalMsgRate      float64
	SignalMsgBurst     int
	SignalReadLimit    int64
	SignalSendQueueLen int
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv builds a Config from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		HLSRoot:            GetEnv("HLS_ROOT", "./hls"),
		KeepN:              GetEnvInt("HLS_KEEP_N", 4),
		SegmentDuration:    GetEnvInt("HLS_SEGMENT_DURATION", 6),
		Container:          "." + strings.TrimPrefix(strings.ToLower(GetEnv("HLS_CONTAINER", "ts")), "."),
		DuplicatePolicy:    strings.ToLower(GetEnv("HLS_DUPLICATE_POLICY", "overwrite")),
		SegmentBaseURL:     GetEnv("HLS_SEGMENT_BASE_URL", ""),
		MaxUploadBytes:     int64(GetEnvInt("HLS_MAX_UPLOAD_BYTES", 64<<20)),
		UploadRatePerMin:   GetEnvInt("UPLOAD_RATE_LIMIT", 600),
		AuthJWTSecret:      GetEnv("AUTH_JWT_SECRET", ""),
		ClientRegistryURL:  GetEnv("CLIENT_REGISTRY_URL", ""),
		ClientAllowlist:    GetEnvList("CLIENT_ALLOWLIST"),
		SignalIdleTimeout:  GetEnvDuration("SIGNAL_IDLE_TIMEOUT", 2*time.Minute),
		SignalRoomIdleTTL:  GetEnvDuration("SIGNAL_ROOM_IDLE_TTL", 10*time.Minute),
		SignalRoomSweep:    GetEnvDuration("SIGNAL_ROOM_SWEEP_INTERVAL", time.Minute),
		SignalMsgRate:      GetEnvFloat("SIGNAL_MSG_RATE", 50),
		SignalMsgBurst:     GetEnvInt("SIGNAL_MSG_BURST", 100),
		SignalReadLimit:    int64(GetEnvInt("SIGNAL_READ_LIMIT", 64<<10)),
		SignalSendQueueLen: GetEnvInt("SIGNAL_SEND_QUEUE", 64),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floating point values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration parses values like "90s" or "10m"; invalid values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvList splits a comma separated variable, dropping blank items.
func GetEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
