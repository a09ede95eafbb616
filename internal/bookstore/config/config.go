package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Config contains application configuration
type Config struct {
	RunAddress          string        `toml:"run_address"`
	DatabaseURI         string        `toml:"database_uri"`
	OrderServiceAddress string        `toml:"order_service_address"`
	OrderServiceRPS     float64       `toml:"order_service_rps"`
	JWTSecret           string        `toml:"jwt_secret"`
	LogLevel            string        `toml:"log_level"`
	StorageTimeout      time.Duration `toml:"storage_timeout"`

	Loyalty   LoyaltyConfig   `toml:"loyalty"`
	Discount  DiscountConfig  `toml:"discount"`
	Status    StatusConfig    `toml:"status"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LoyaltyConfig holds the points conversion policy
type LoyaltyConfig struct {
	// VndPerPoint is the monetary value of a single point
	VndPerPoint decimal.Decimal `toml:"vnd_per_point"`
	// EarnRate is the fraction of a paid amount converted to points
	EarnRate decimal.Decimal `toml:"earn_rate"`
}

// DiscountConfig holds the discount code policy
type DiscountConfig struct {
	MinUsageLimit int `toml:"min_usage_limit"`
	MaxUsageLimit int `toml:"max_usage_limit"`
	CodeLength    int `toml:"code_length"`
}

// StatusConfig tunes the order status processor
type StatusConfig struct {
	Workers       int           `toml:"workers"`
	QueueSize     int           `toml:"queue_size"`
	RetryInterval time.Duration `toml:"retry_interval"`
	MaxAttempts   int           `toml:"max_attempts"`
}

// TelemetryConfig configures trace export
type TelemetryConfig struct {
	ServiceName  string `toml:"service_name"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		RunAddress:      ":8080",
		OrderServiceRPS: 10,
		LogLevel:        "info",
		StorageTimeout:  3 * time.Second,
		Loyalty: LoyaltyConfig{
			VndPerPoint: decimal.NewFromInt(1000),
			EarnRate:    decimal.RequireFromString("0.1"),
		},
		Discount: DiscountConfig{
			MinUsageLimit: 1,
			MaxUsageLimit: 10,
			CodeLength:    8,
		},
		Status: StatusConfig{
			Workers:       4,
			QueueSize:     256,
			RetryInterval: 5 * time.Second,
			MaxAttempts:   5,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "bookstore-rewards",
		},
	}
}

// NewConfig creates a new configuration from the command line, the optional
// policy file and environment variables, in that order of precedence
// (environment wins).
func NewConfig() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:], os.Getenv)
}

// Parse builds a configuration from args and getenv
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	var (
		runAddress   string
		databaseURI  string
		orderAddress string
		configFile   string
	)

	fs.StringVar(&runAddress, "a", "", "Server run address")
	fs.StringVar(&databaseURI, "d", "", "Database URI")
	fs.StringVar(&orderAddress, "r", "", "Order service address")
	fs.StringVar(&configFile, "c", "", "Policy file (TOML)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if env := getenv("CONFIG_FILE"); env != "" {
		configFile = env
	}

	cfg := Default()
	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", configFile, err)
		}
	}

	if runAddress != "" {
		cfg.RunAddress = runAddress
	}
	if databaseURI != "" {
		cfg.DatabaseURI = databaseURI
	}
	if orderAddress != "" {
		cfg.OrderServiceAddress = orderAddress
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("RUN_ADDRESS"); v != "" {
		c.RunAddress = v
	}
	if v := getenv("DATABASE_URI"); v != "" {
		c.DatabaseURI = v
	}
	if v := getenv("ORDER_SERVICE_ADDRESS"); v != "" {
		c.OrderServiceAddress = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}

	var err error
	if v := getenv("STORAGE_TIMEOUT"); v != "" {
		if c.StorageTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("STORAGE_TIMEOUT: %w", err)
		}
	}
	if v := getenv("ORDER_SERVICE_RPS"); v != "" {
		if c.OrderServiceRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("ORDER_SERVICE_RPS: %w", err)
		}
	}
	if v := getenv("VND_PER_POINT"); v != "" {
		if c.Loyalty.VndPerPoint, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("VND_PER_POINT: %w", err)
		}
	}
	if v := getenv("EARN_RATE"); v != "" {
		if c.Loyalty.EarnRate, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("EARN_RATE: %w", err)
		}
	}
	if v := getenv("DISCOUNT_MIN_USAGE"); v != "" {
		if c.Discount.MinUsageLimit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("DISCOUNT_MIN_USAGE: %w", err)
		}
	}
	if v := getenv("DISCOUNT_MAX_USAGE"); v != "" {
		if c.Discount.MaxUsageLimit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("DISCOUNT_MAX_USAGE: %w", err)
		}
	}
	return nil
}

// Validate checks the policy values for consistency
func (c *Config) Validate() error {
	var errs []error
	if !c.Loyalty.VndPerPoint.IsPositive() {
		errs = append(errs, errors.New("vnd_per_point must be positive"))
	}
	if c.Loyalty.EarnRate.IsNegative() || c.Loyalty.EarnRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("earn_rate must be within [0, 1]"))
	}
	if c.Discount.MinUsageLimit < 1 {
		errs = append(errs, errors.New("min_usage_limit must be at least 1"))
	}
	if c.Discount.MaxUsageLimit < c.Discount.MinUsageLimit {
		errs = append(errs, errors.New("max_usage_limit must not be below min_usage_limit"))
	}
	if c.Discount.CodeLength < 4 {
		errs = append(errs, errors.New("code_length must be at least 4"))
	}
	if c.StorageTimeout <= 0 {
		errs = append(errs, errors.New("storage_timeout must be positive"))
	}
	if c.Status.Workers < 1 || c.Status.QueueSize < 1 || c.Status.MaxAttempts < 1 {
		errs = append(errs, errors.New("status processor needs workers, queue_size and max_attempts >= 1"))
	}
	return errors.Join(errs...)
}
