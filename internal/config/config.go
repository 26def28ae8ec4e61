package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Pool     PoolConfig
	Session  SessionConfig
	Admin    AdminConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	LogLevel string
	DataDir  string
}

type ServerConfig struct {
	Addr         string
	FrontendURL  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type PoolConfig struct {
	Size           int
	PortRangeStart int
	PortRangeEnd   int
	Image          string
	NetworkName    string
	ContainerMemMB int64
	ContainerCPU   float64
	ShmSizeMB      int64
	GPUDevice      string
}

type SessionConfig struct {
	Duration        time.Duration
	RateLimitPerDay int
}

type AdminConfig struct {
	User     string
	Password string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":3001"),
			FrontendURL:  getEnv("FRONTEND_URL", "http://localhost:3000"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Pool: PoolConfig{
			Size:           getIntEnv("POOL_SIZE", 3),
			PortRangeStart: getIntEnv("PORT_RANGE_START", 4000),
			PortRangeEnd:   getIntEnv("PORT_RANGE_END", 4100),
			Image:          getEnv("CONTAINER_IMAGE", "cloud-browser:latest"),
			NetworkName:    getEnv("POOL_NETWORK_NAME", "browser-net"),
			ContainerMemMB: int64(getIntEnv("CONTAINER_MEM_MB", 2048)),
			ContainerCPU:   getFloatEnv("CONTAINER_CPU", 2.0),
			ShmSizeMB:      int64(getIntEnv("CONTAINER_SHM_MB", 1024)),
			GPUDevice:      getEnv("GPU_DEVICE", "/dev/dri/renderD128"),
		},
		Session: SessionConfig{
			Duration:        time.Duration(getIntEnv("SESSION_DURATION", 300)) * time.Second,
			RateLimitPerDay: getIntEnv("RATE_LIMIT_PER_DAY", 10),
		},
		Admin: AdminConfig{
			User:     getEnv("ADMIN_USER", "admin"),
			Password: getEnv("ADMIN_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "cloud_browser"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DataDir:  getEnv("DATA_DIR", "/var/lib/cloud-browser"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
