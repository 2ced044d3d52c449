package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Operator       OperatorConfig
	RoomStore      string
	Redis          RedisConfig
	TURN           TURNConfig
	Signal         SignalConfig
}

// OperatorConfig is the single account allowed to evict rooms. Login is
// disabled while Password is empty.
type OperatorConfig struct {
	Username string
	Password string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// TURNConfig configures time-limited TURN credential issuance.
type TURNConfig struct {
	Secret     string
	Realm      string
	TTLSeconds int64
}

// SignalConfig bounds what a single signaling socket may send.
type SignalConfig struct {
	RatePerSecond   float64
	Burst           int
	MaxMessageBytes int64
}

// PeerConfig is the configuration of the headless Go peer (cmd/peer).
type PeerConfig struct {
	SignalServerURL string
	RoomID          string
	MediaPolicy     string
	MediaSource     string
	CameraFacing    string
	PionLogLevel    string
}

const (
	RoomStoreMemory = "memory"
	RoomStoreRedis  = "redis"
)

func Load() *Config {
	loadDotEnv()

	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")
	origins := splitList(originsStr)

	return &Config{
		Port:           getEnv("PORT", "5001"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Operator: OperatorConfig{
			Username: getEnv("OPERATOR_USERNAME", "operator"),
			Password: getEnv("OPERATOR_PASSWORD", ""),
		},
		RoomStore: strings.ToLower(getEnv("ROOM_STORE", RoomStoreMemory)),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		TURN: TURNConfig{
			Secret:     getEnv("TURN_SECRET", ""),
			Realm:      getEnv("TURN_REALM", "localhost"),
			TTLSeconds: int64(getEnvInt("TURN_TTL", 3600)),
		},
		Signal: SignalConfig{
			RatePerSecond:   getEnvFloat("SIGNAL_RATE_LIMIT", 50),
			Burst:           getEnvInt("SIGNAL_RATE_BURST", 100),
			MaxMessageBytes: int64(getEnvInt("SIGNAL_MAX_MESSAGE_BYTES", 64*1024)),
		},
	}
}

func LoadPeer() *PeerConfig {
	loadDotEnv()

	return &PeerConfig{
		SignalServerURL: getEnv("SIGNAL_SERVER_URL", "http://localhost:5001"),
		RoomID:          getEnv("ROOM_ID", ""),
		MediaPolicy:     strings.ToLower(getEnv("MEDIA_POLICY", "required")),
		MediaSource:     strings.ToLower(getEnv("MEDIA_SOURCE", "synthetic")),
		CameraFacing:    strings.ToLower(getEnv("CAMERA_FACING", "user")),
		PionLogLevel:    strings.ToLower(getEnv("PION_LOG_LEVEL", "warn")),
	}
}

// loadDotEnv reads .env if present. Existing environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
