package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vnkhanh/recallai-backend/logger"
	"github.com/vnkhanh/recallai-backend/models"
)

type StorageProvider string

const (
	StorageGCS      StorageProvider = "gcs"
	StorageSupabase StorageProvider = "supabase"
)

type AIBackend string

const (
	AIBackendRemote AIBackend = "remote"
	AIBackendGemini AIBackend = "gemini"
)

type Config struct {
	Port        string
	Env         string
	LogLevel    string
	LogHashSalt string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Storage
	StorageProvider StorageProvider
	UploadBucket    string
	SupabaseURL     string
	SupabaseKey     string

	// AI service
	AIBackend      AIBackend
	AIServiceURL   string
	AITextTimeout  time.Duration
	AIAudioTimeout time.Duration
	GeminiAPIKey   string
	GeminiModel    string

	// Auth
	JWTSecret     string
	EventAudience string

	// Redis (dead letters + event de-duplication); optional
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PipelineTimeout time.Duration
	WorkerCount     int
	AllowedOrigins  []string

	OtelEnabled  bool
	OtelEndpoint string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:        envOrDefault("PORT", "8080"),
		Env:         envOrDefault("APP_ENV", "dev"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogHashSalt: os.Getenv("LOG_HASH_SALT"),

		DBHost:     envOrDefault("DB_HOST", "localhost"),
		DBPort:     envOrDefault("DB_PORT", "5432"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     envOrDefault("DB_NAME", "recallai"),
		DBSSLMode:  envOrDefault("DB_SSLMODE", "disable"),

		StorageProvider: StorageProvider(strings.ToLower(envOrDefault("STORAGE_PROVIDER", string(StorageGCS)))),
		UploadBucket:    os.Getenv("UPLOAD_BUCKET"),
		SupabaseURL:     os.Getenv("SUPABASE_URL"),
		SupabaseKey:     os.Getenv("SUPABASE_KEY"),

		AIBackend:    AIBackend(strings.ToLower(envOrDefault("AI_BACKEND", string(AIBackendRemote)))),
		AIServiceURL: strings.TrimRight(os.Getenv("AI_SERVICE_URL"), "/"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  envOrDefault("GEMINI_MODEL", "gemini-1.5-pro-latest"),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		EventAudience: os.Getenv("EVENT_AUDIENCE"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		OtelEnabled:  envBool("OTEL_ENABLED"),
		OtelEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.AITextTimeout, err = parseDurationEnv("AI_TEXT_TIMEOUT", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.AIAudioTimeout, err = parseDurationEnv("AI_AUDIO_TIMEOUT", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.PipelineTimeout, err = parseDurationEnv("PIPELINE_TIMEOUT", 9*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = parseIntEnv("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.WorkerCount, err = parseIntEnv("WORKER_COUNT", 4); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = splitList(envOrDefault("CORS_ORIGINS", "http://localhost:3000"))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StorageProvider {
	case StorageGCS:
		if c.UploadBucket == "" {
			errs = append(errs, errors.New("UPLOAD_BUCKET is required for gcs storage"))
		}
	case StorageSupabase:
		if c.SupabaseURL == "" || c.SupabaseKey == "" {
			errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_KEY are required for supabase storage"))
		}
		if c.UploadBucket == "" {
			errs = append(errs, errors.New("UPLOAD_BUCKET is required for supabase storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORAGE_PROVIDER %q (allowed: %q, %q)", c.StorageProvider, StorageGCS, StorageSupabase))
	}
	switch c.AIBackend {
	case AIBackendRemote:
		if c.AIServiceURL == "" {
			errs = append(errs, errors.New("AI_SERVICE_URL is required"))
		}
	case AIBackendGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required for the gemini backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid AI_BACKEND %q (allowed: %q, %q)", c.AIBackend, AIBackendRemote, AIBackendGemini))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AIAudioTimeout >= c.PipelineTimeout {
		errs = append(errs, errors.New("AI_AUDIO_TIMEOUT must be shorter than PIPELINE_TIMEOUT"))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be positive"))
	}
	return errors.Join(errs...)
}

// InitDB opens PostgreSQL, configures the pool and migrates the deck schema.
func InitDB(cfg Config, log *logger.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode,
	)

	level := gormlogger.Warn
	if cfg.Env == "dev" {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB from gorm: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	log.Info("postgres connected and migrated", "host", cfg.DBHost, "db", cfg.DBName)
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Deck{}, &models.Flashcard{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseIntEnv(key string, fallback int) (int, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := envOrDefault(key, "")
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
