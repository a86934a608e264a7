package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings, loaded from the environment with an
// optional .env file.
type Config struct {
	ServerHost string
	ServerPort string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// SessionTTL is how long an unpinned session lives after creation.
	SessionTTL time.Duration
	// SweepInterval is how often expired sessions are deleted.
	SweepInterval time.Duration

	// PingInterval bounds how long a dead connection can appear live.
	PingInterval time.Duration
	// PongWait is how long to wait for a pong before closing the connection.
	PongWait time.Duration
	// WriteWait is the per-message write deadline.
	WriteWait time.Duration
	// MaxMessageSize caps a single inbound frame.
	MaxMessageSize int64
}

// Load reads configuration from the environment. A missing .env file is fine.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerHost: getEnv("SERVER_HOST", ""),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "collab_canvas"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		SessionTTL:    getDuration("SESSION_TTL", 24*time.Hour),
		SweepInterval: getDuration("SWEEP_INTERVAL", 10*time.Minute),

		PingInterval:   getDuration("PING_INTERVAL", 20*time.Second),
		PongWait:       getDuration("PONG_WAIT", 25*time.Second),
		WriteWait:      getDuration("WRITE_WAIT", 10*time.Second),
		MaxMessageSize: 1 << 20,
	}
}

// GetServerAddr returns the listen address.
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

// GetDatabaseConnectionString builds the Postgres connection string.
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
