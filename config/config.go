package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"attendly/internal/attendance"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Config struct {
	HTTPAddr        string
	LogLevel        logrus.Level
	ShutdownTimeout time.Duration

	JWTSecret []byte
	JWTIssuer string

	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string

	RabbitMQURL     string
	ArchiveExchange string
	QueueSize       int

	TokenSource    string
	TokenMasterKey []byte

	ScanRatePerStudent  rate.Limit
	ScanBurstPerStudent int
	TokenPushInterval   time.Duration

	Attendance attendance.Config
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNone     = "none"

	TokenSourceRandom = "random"
	TokenSourceHOTP   = "hotp"
)

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	p := parser{}
	engine := attendance.DefaultConfig()
	cfg := &Config{
		HTTPAddr:            envString("HTTP_ADDR", ":8080"),
		ShutdownTimeout:     p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		JWTSecret:           []byte(os.Getenv("JWT_SECRET")),
		JWTIssuer:           os.Getenv("JWT_ISSUER"),
		DatabaseDriver:      strings.ToLower(envString("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          envString("SQLITE_PATH", "attendly.db"),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		ArchiveExchange:     envString("ARCHIVE_EXCHANGE", "attendance.sessions"),
		QueueSize:           p.integer("BACKGROUND_QUEUE_SIZE", 256),
		TokenSource:         strings.ToLower(envString("TOKEN_SOURCE", TokenSourceRandom)),
		TokenMasterKey:      []byte(os.Getenv("TOKEN_MASTER_KEY")),
		ScanRatePerStudent:  rate.Limit(p.float("SCAN_RATE_PER_STUDENT", 5)),
		ScanBurstPerStudent: p.integer("SCAN_BURST_PER_STUDENT", 10),
		TokenPushInterval:   p.duration("TOKEN_PUSH_INTERVAL", time.Second),
		Attendance: attendance.Config{
			RotationInterval: p.duration("ROTATION_INTERVAL", engine.RotationInterval),
			GraceWindow:      p.duration("GRACE_WINDOW", engine.GraceWindow),
			DefaultDuration:  p.duration("DEFAULT_SESSION_DURATION", engine.DefaultDuration),
			MaxDuration:      p.duration("MAX_SESSION_DURATION", engine.MaxDuration),
			ClosedRetention:  p.duration("CLOSED_RETENTION", engine.ClosedRetention),
			AdmissionRate:    rate.Limit(p.float("ADMISSION_RATE", float64(engine.AdmissionRate))),
			AdmissionBurst:   p.integer("ADMISSION_BURST", engine.AdmissionBurst),
			MaxInFlight:      int64(p.integer("MAX_INFLIGHT_SCANS", int(engine.MaxInFlight))),
			Heuristics: attendance.HeuristicConfig{
				MinHumanDelay:          p.duration("MIN_HUMAN_DELAY", engine.Heuristics.MinHumanDelay),
				MaxClockSkew:           p.duration("MAX_CLOCK_SKEW", engine.Heuristics.MaxClockSkew),
				SharedContextWindow:    p.duration("SHARED_CONTEXT_WINDOW", engine.Heuristics.SharedContextWindow),
				SharedContextThreshold: p.integer("SHARED_CONTEXT_THRESHOLD", engine.Heuristics.SharedContextThreshold),
			},
		},
	}

	level, err := logrus.ParseLevel(envString("LOG_LEVEL", "info"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	if len(cfg.JWTSecret) == 0 {
		p.errs = append(p.errs, errors.New("JWT_SECRET is required"))
	}
	switch cfg.DatabaseDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			p.errs = append(p.errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite, DriverNone:
	default:
		p.errs = append(p.errs, fmt.Errorf("DATABASE_DRIVER: unsupported driver %q", cfg.DatabaseDriver))
	}
	switch cfg.TokenSource {
	case TokenSourceRandom, TokenSourceHOTP:
	default:
		p.errs = append(p.errs, fmt.Errorf("TOKEN_SOURCE: unsupported source %q", cfg.TokenSource))
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TokenSourceFactory maps TOKEN_SOURCE to the engine's token source.
func (c *Config) TokenSourceFactory() attendance.TokenSourceFactory {
	if c.TokenSource == TokenSourceHOTP {
		return attendance.HOTPSourceFactory(c.TokenMasterKey)
	}
	return attendance.RandomSourceFactory
}

func envString(key string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// parser collects every invalid value so startup reports them together.
type parser struct {
	errs []error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are seconds.
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
			return fallback
		}
		value = time.Duration(seconds) * time.Second
	}
	if value < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: must not be negative", key))
		return fallback
	}
	return value
}

func (p *parser) integer(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	if value < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: must not be negative", key))
		return fallback
	}
	return value
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	if value < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: must not be negative", key))
		return fallback
	}
	return value
}
