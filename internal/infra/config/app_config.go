// Package config loads the ordersync application configuration from YAML and the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Environment variables overriding secrets and connection strings.
const (
	EnvAPIKey      = "BYBIT_API_KEY"
	EnvAPISecret   = "BYBIT_API_SECRET"
	EnvDatabaseDSN = "ORDERSYNC_DATABASE_DSN"
	EnvLogLevel    = "LOG_LEVEL"
)

const (
	mainnetRESTURL      = "https://api.bybit.com"
	testnetRESTURL      = "https://api-testnet.bybit.com"
	mainnetPrivateWSURL = "wss://stream.bybit.com/v5/private"
	testnetPrivateWSURL = "wss://stream-testnet.bybit.com/v5/private"
)

// ExchangeConfig holds Bybit credentials and endpoints.
type ExchangeConfig struct {
	APIKey       string        `yaml:"apiKey"`
	APISecret    string        `yaml:"apiSecret"`
	Testnet      bool          `yaml:"testnet"`
	RESTBaseURL  string        `yaml:"restBaseURL"`
	PrivateWSURL string        `yaml:"privateWSURL"`
	RecvWindow   int           `yaml:"recvWindow"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
	RateLimit    float64       `yaml:"rateLimit"`
	RateBurst    int           `yaml:"rateBurst"`
}

func (c *ExchangeConfig) applyDefaults() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.APISecret = strings.TrimSpace(c.APISecret)
	if strings.TrimSpace(c.RESTBaseURL) == "" {
		c.RESTBaseURL = mainnetRESTURL
		if c.Testnet {
			c.RESTBaseURL = testnetRESTURL
		}
	}
	if strings.TrimSpace(c.PrivateWSURL) == "" {
		c.PrivateWSURL = mainnetPrivateWSURL
		if c.Testnet {
			c.PrivateWSURL = testnetPrivateWSURL
		}
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5000
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
}

// BackoffConfig bounds the reconnect delay.
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
}

// StreamConfig controls the private WebSocket stream.
type StreamConfig struct {
	Topics            []string      `yaml:"topics"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	AuthExpiry        time.Duration `yaml:"authExpiry"`
	DispatchBuffer    int           `yaml:"dispatchBuffer"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

func (c *StreamConfig) applyDefaults() {
	topics := make([]string, 0, len(c.Topics))
	seen := make(map[string]struct{}, len(c.Topics))
	for _, topic := range c.Topics {
		trimmed := strings.TrimSpace(topic)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		topics = append(topics, trimmed)
	}
	if len(topics) == 0 {
		topics = []string{"order"}
	}
	c.Topics = topics
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AuthExpiry <= 0 {
		c.AuthExpiry = 10 * time.Second
	}
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = 1024
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 500 * time.Millisecond
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = 30 * time.Second
	}
}

// RetryConfig bounds storage write retries.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsPath    string        `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if strings.TrimSpace(c.MigrationsPath) == "" {
		c.MigrationsPath = "embedded"
	}
}

// StorageConfig selects the order store backend.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string         `yaml:"driver"`
	Database DatabaseConfig `yaml:"database"`
	Retry    RetryConfig    `yaml:"retry"`
}

func (c *StorageConfig) applyDefaults() {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	c.Database.applyDefaults()
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 100 * time.Millisecond
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 2 * time.Second
	}
}

// LoggingConfig configures the logrus logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is "stdout", "stderr" or a file path rotated by lumberjack.
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

func (c *LoggingConfig) applyDefaults() {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = "json"
	}
	if strings.TrimSpace(c.Output) == "" {
		c.Output = "stdout"
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 7
	}
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// AppConfig is the unified ordersync configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Exchange    ExchangeConfig  `yaml:"exchange"`
	Stream      StreamConfig    `yaml:"stream"`
	Storage     StorageConfig   `yaml:"storage"`
	Logging     LoggingConfig   `yaml:"logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns a configuration with every default applied.
func Default() AppConfig {
	var cfg AppConfig
	cfg.normalise()
	return cfg
}

// Load reads, normalises and validates an AppConfig from the provided YAML file,
// then applies environment overrides.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(AppConfig{})
	}
	return cfg, err
}

// LoadDotEnv populates the process environment from a .env file if present.
// Variables already set are left untouched.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load dotenv: %w", err)
	}
	return nil
}

func finish(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKey)); v != "" {
		c.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPISecret)); v != "" {
		c.Exchange.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); v != "" {
		c.Storage.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Exchange.applyDefaults()
	c.Stream.applyDefaults()
	c.Storage.applyDefaults()
	c.Logging.applyDefaults()
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Stream.Backoff.Cap < c.Stream.Backoff.Base {
		return fmt.Errorf("stream backoff cap must be >= base")
	}
	if c.Stream.HeartbeatTimeout >= c.Stream.HeartbeatInterval*3 {
		return fmt.Errorf("stream heartbeatTimeout must be shorter than three heartbeat intervals")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage database dsn required (set %s)", EnvDatabaseDSN)
		}
	default:
		return fmt.Errorf("storage driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be json or text")
	}
	return nil
}

// RequireCredentials reports missing exchange credentials.
func (c AppConfig) RequireCredentials() error {
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange credentials required (set %s and %s)", EnvAPIKey, EnvAPISecret)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
