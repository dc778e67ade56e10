package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"library-circulation/library"
)

// Config holds all configuration for the librarian CLI
type Config struct {
	AppMode  string
	LogLevel string
	Store    StoreConfig
	Lending  LendingConfig

	// EnvFileLoaded is false when no .env file was found.
	EnvFileLoaded bool
}

// StoreConfig holds storage backend configuration
type StoreConfig struct {
	Backend     string
	Path        string
	PostgresDSN string
	MySQLDSN    string
}

// LendingConfig holds circulation policy configuration
type LendingConfig struct {
	BorrowLimit     int
	GraceDays       int
	FinePerDay      float64
	Location        *time.Location
	OverdueSchedule string
}

// Load reads configuration from the given .env files (".env" when none are
// given) and the process environment. Variables already set in the
// environment win over the file. A missing default .env is fine; a missing
// named file is an error.
func Load(files ...string) (*Config, error) {
	loaded := true
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
		loaded = false
	}

	// trim spaces for Windows-edited .env files
	appMode := strings.TrimSpace(getEnv("LIBRARY_MODE", "dev"))
	if appMode != "dev" && appMode != "prod" {
		return nil, fmt.Errorf("invalid LIBRARY_MODE: '%s' (must be 'dev' or 'prod')", appMode)
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}
	lending, err := loadLendingConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		AppMode:       appMode,
		LogLevel:      strings.TrimSpace(getEnv("LIBRARY_LOG_LEVEL", "")),
		Store:         store,
		Lending:       lending,
		EnvFileLoaded: loaded,
	}, nil
}

func loadStoreConfig() (StoreConfig, error) {
	cfg := StoreConfig{
		Backend:     strings.TrimSpace(getEnv("LIBRARY_STORE", library.BackendSQLite)),
		Path:        getEnv("LIBRARY_DB_PATH", "library.db"),
		PostgresDSN: getEnv("LIBRARY_POSTGRES_DSN", ""),
		MySQLDSN:    getEnv("LIBRARY_MYSQL_DSN", ""),
	}
	switch cfg.Backend {
	case library.BackendMemory, library.BackendSQLite, library.BackendGormSQLite:
	case library.BackendPostgres:
		if cfg.PostgresDSN == "" {
			return cfg, errors.New("LIBRARY_POSTGRES_DSN is required when LIBRARY_STORE=postgres")
		}
	case library.BackendMySQL:
		if cfg.MySQLDSN == "" {
			return cfg, errors.New("LIBRARY_MYSQL_DSN is required when LIBRARY_STORE=mysql")
		}
	default:
		return cfg, fmt.Errorf("invalid LIBRARY_STORE: '%s'", cfg.Backend)
	}
	return cfg, nil
}

func loadLendingConfig() (LendingConfig, error) {
	var cfg LendingConfig
	var err error

	if cfg.BorrowLimit, err = getInt("LIBRARY_BORROW_LIMIT", library.DefaultBorrowLimit); err != nil {
		return cfg, err
	}
	if cfg.BorrowLimit <= 0 {
		return cfg, fmt.Errorf("invalid LIBRARY_BORROW_LIMIT: %d (must be positive)", cfg.BorrowLimit)
	}
	if cfg.GraceDays, err = getInt("LIBRARY_GRACE_DAYS", library.DefaultGraceDays); err != nil {
		return cfg, err
	}
	if cfg.GraceDays < 0 {
		return cfg, fmt.Errorf("invalid LIBRARY_GRACE_DAYS: %d (must not be negative)", cfg.GraceDays)
	}

	rate := getEnv("LIBRARY_FINE_PER_DAY", strconv.FormatFloat(library.DefaultFinePerDay, 'f', -1, 64))
	if cfg.FinePerDay, err = strconv.ParseFloat(strings.TrimSpace(rate), 64); err != nil || cfg.FinePerDay < 0 {
		return cfg, fmt.Errorf("invalid LIBRARY_FINE_PER_DAY: '%s'", rate)
	}

	tz := strings.TrimSpace(getEnv("LIBRARY_TIMEZONE", "Local"))
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return cfg, fmt.Errorf("invalid LIBRARY_TIMEZONE: '%s': %w", tz, err)
	}

	cfg.OverdueSchedule = getEnv("LIBRARY_OVERDUE_SCHEDULE", library.DefaultOverdueSchedule)
	return cfg, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(getEnv(key, strconv.Itoa(defaultValue)))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: '%s'", key, raw)
	}
	return n, nil
}

// IsDev returns true if running in development mode
func (c *Config) IsDev() bool {
	return c.AppMode == "dev"
}

// IsProd returns true if running in production mode
func (c *Config) IsProd() bool {
	return c.AppMode == "prod"
}

// StoreConfig maps the store settings onto library.Open's input.
func (c *Config) StoreConfig() library.StoreConfig {
	return library.StoreConfig{
		Backend:     c.Store.Backend,
		Path:        c.Store.Path,
		PostgresDSN: c.Store.PostgresDSN,
		MySQLDSN:    c.Store.MySQLDSN,
		Debug:       c.IsDev() && strings.EqualFold(c.LogLevel, "debug"),
	}
}

// FinePolicy returns the configured grace period and rate.
func (c *Config) FinePolicy() library.FinePolicy {
	return library.FinePolicy{GraceDays: c.Lending.GraceDays, RatePerDay: c.Lending.FinePerDay}
}
