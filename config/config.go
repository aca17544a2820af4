package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stock_research_backend/logger"
)

// Config holds process settings. Collection policy lives in its own JSON document.
type Config struct {
	Port        string `mapstructure:"port"`
	Environment string `mapstructure:"environment"`

	DBDriver   string `mapstructure:"db_driver"` // postgres or sqlite
	DBHost     string `mapstructure:"db_host"`
	DBPort     string `mapstructure:"db_port"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`
	DBName     string `mapstructure:"db_name"`
	DBSSLMode  string `mapstructure:"db_sslmode"`
	DBPath     string `mapstructure:"db_path"` // sqlite file

	DataDir              string `mapstructure:"data_dir"`
	MarketConfigFile     string `mapstructure:"market_config_file"`
	CollectionConfigFile string `mapstructure:"collection_config_file"`
	HistoryDBPath        string `mapstructure:"history_db_path"`

	MongoURI      string `mapstructure:"mongodb_uri"`
	MongoDatabase string `mapstructure:"mongodb_database"`

	MarketDataBaseURL string `mapstructure:"market_data_base_url"`
	MarketDataTimeout int    `mapstructure:"market_data_timeout"` // seconds

	JWTSecret         string `mapstructure:"jwt_secret"`
	AdminUsername     string `mapstructure:"admin_username"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

var AppConfig *Config

var keys = []string{
	"port", "environment",
	"db_driver", "db_host", "db_port", "db_user", "db_password", "db_name", "db_sslmode", "db_path",
	"data_dir", "market_config_file", "collection_config_file", "history_db_path",
	"mongodb_uri", "mongodb_database",
	"market_data_base_url", "market_data_timeout",
	"jwt_secret", "admin_username", "admin_password_hash",
	"log_level", "log_format", "log_file",
}

// LoadConfig reads .env (if present) and the environment over built-in defaults
func LoadConfig() (*Config, error) {
	log := logger.Category("config")
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using environment variables")
	}

	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", "5432")
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_name", "stock_research")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("data_dir", "data")
	v.SetDefault("mongodb_database", "stock_research")
	v.SetDefault("market_data_base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("market_data_timeout", 30)
	v.SetDefault("admin_username", "admin")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	// every key is read from its upper-case env name, e.g. DB_DRIVER
	for _, key := range keys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.applyDataDir()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = &cfg
	return &cfg, nil
}

// applyDataDir fills file locations left empty with paths under DataDir
func (c *Config) applyDataDir() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "stock_data.db")
	}
	if c.MarketConfigFile == "" {
		c.MarketConfigFile = filepath.Join(c.DataDir, "market_config.json")
	}
	if c.CollectionConfigFile == "" {
		c.CollectionConfigFile = filepath.Join(c.DataDir, "collection_config.json")
	}
	if c.HistoryDBPath == "" {
		c.HistoryDBPath = filepath.Join(c.DataDir, "collection_history.db")
	}
}

// Validate rejects settings the process cannot start with
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if !logger.IsValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// MarketDataTimeoutDuration converts the client timeout to a duration
func (c *Config) MarketDataTimeoutDuration() time.Duration {
	if c.MarketDataTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.MarketDataTimeout) * time.Second
}

// InitDB opens the price database with the configured driver
func InitDB(cfg *Config) (*gorm.DB, error) {
	log := logger.Category("database")

	logLevel := gormlogger.Info
	if cfg.IsProduction() {
		logLevel = gormlogger.Error
	}
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(logLevel)}

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		log.Infof("Connecting to database: host=%s port=%s user=%s dbname=%s",
			maskHost(cfg.DBHost), cfg.DBPort, cfg.DBUser, cfg.DBName)
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		log.Infof("Opening SQLite database %s", cfg.DBPath)
		dialector = sqlite.Open(cfg.DBPath)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("Database connection verified successfully")
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
