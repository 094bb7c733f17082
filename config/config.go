package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port        string
	Environment string

	// Control-plane database (symbol registry, stream settings)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Time-series store
	MongoURI string

	// Fetch-cursor store
	CursorDBPath string

	Symbols   []string
	Exchanges []string

	// Gap detection / backfill
	GapThreshold        float64
	GapScanWindowHours  int
	GapScanLookbackDays int
	GapScanIntervalMin  int
	BackfillRetries     int

	// Candle scheduler
	FloorPollSeconds int
	MaxPollSeconds   int
	FetchDepth       int

	// Trade aggregation
	AggPollSeconds   int
	AggBucketSeconds int
	AggLookbackHours int

	// Live fan-out
	StreamDefaultDeltaSeconds int
	SettingsRefreshSeconds    int

	StoreRetrySleepSeconds int
}

// LoadConfig loads environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DBHost:     getEnv("DB_HOST", ""),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "marketdata"),

		MongoURI:     getEnv("MONGODB_URI", ""),
		CursorDBPath: getEnv("CURSOR_DB_PATH", "data/cursors.db"),

		Symbols:   getEnvList("SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
		Exchanges: getEnvList("EXCHANGES", []string{"binance"}),

		GapThreshold:        getEnvFloat("GAP_THRESHOLD", 0.95),
		GapScanWindowHours:  getEnvInt("GAP_SCAN_WINDOW_HOURS", 24),
		GapScanLookbackDays: getEnvInt("GAP_SCAN_LOOKBACK_DAYS", 3),
		GapScanIntervalMin:  getEnvInt("GAP_SCAN_INTERVAL_MINUTES", 30),
		BackfillRetries:     getEnvInt("BACKFILL_RETRIES", 3),

		FloorPollSeconds: getEnvInt("FLOOR_POLL_SECONDS", 30),
		MaxPollSeconds:   getEnvInt("MAX_POLL_SECONDS", 3600),
		FetchDepth:       getEnvInt("FETCH_DEPTH", 3),

		AggPollSeconds:   getEnvInt("AGG_POLL_SECONDS", 15),
		AggBucketSeconds: getEnvInt("AGG_BUCKET_SECONDS", 60),
		AggLookbackHours: getEnvInt("AGG_LOOKBACK_HOURS", 4),

		StreamDefaultDeltaSeconds: getEnvInt("STREAM_DEFAULT_DELTA_SECONDS", 5),
		SettingsRefreshSeconds:    getEnvInt("SETTINGS_REFRESH_SECONDS", 30),

		StoreRetrySleepSeconds: getEnvInt("STORE_RETRY_SLEEP_SECONDS", 15),
	}

	return config, nil
}

// InitDB initializes the control-plane database connection. A missing
// DB_HOST means the deployment runs without a control plane; callers
// fall back to configured symbols and default stream deltas.
func InitDB(cfg *Config) (*gorm.DB, error) {
	if cfg.DBHost == "" {
		return nil, nil
	}

	// Log connection info (masked for security)
	log.Printf("Connecting to database: host=%s port=%s user=%s dbname=%s",
		maskHost(cfg.DBHost),
		cfg.DBPort,
		cfg.DBUser,
		cfg.DBName,
	)

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=require TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
	)

	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})

	if err != nil {
		log.Printf("Database connection error: %v", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		log.Printf("Failed to get underlying database: %v", err)
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		log.Printf("Database ping failed: %v", err)
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Printf("Database connection verified successfully")
	return db, nil
}

// maskHost masks host for logging, preserving domain structure
func maskHost(host string) string {
	if len(host) <= 3 {
		return "***"
	}
	if len(host) <= 15 {
		return host[:3] + "***"
	}
	return host[:8] + "***" + host[len(host)-10:]
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer for %s=%q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Invalid number for %s=%q, using default %g", key, value, defaultValue)
		return defaultValue
	}
	return f
}

// getEnvList parses a comma-separated environment variable.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
