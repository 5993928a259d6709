package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported ledger networks. Only mainnet-beta needs an explicit RPC endpoint.
const (
	NetworkDevnet  = "devnet"
	NetworkTestnet = "testnet"
	NetworkMainnet = "mainnet-beta"
)

// DefaultTokenMint is the wrapped native mint, used until an operator sets a contract address.
const DefaultTokenMint = "So11111111111111111111111111111111111111112"

// DefaultFallbackMessage is persisted as the responder reply when generation fails.
const DefaultFallbackMessage = "I apologize, but I'm having trouble processing your request at the moment. Please try again."

var clusterEndpoints = map[string]string{
	NetworkDevnet:  "https://api.devnet.solana.com",
	NetworkTestnet: "https://api.testnet.solana.com",
}

// Config captures runtime configuration for paychatd.
type Config struct {
	Env       string          `yaml:"env" toml:"env"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Payment   PaymentConfig   `yaml:"payment" toml:"payment"`
	Responder ResponderConfig `yaml:"responder" toml:"responder"`
	Realtime  RealtimeConfig  `yaml:"realtime" toml:"realtime"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin"`
	CORS      CORSConfig      `yaml:"cors" toml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig controls the HTTP listener shared by the admin API and the websocket.
type ServerConfig struct {
	Listen          string   `yaml:"listen" toml:"listen"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig selects the gorm dialect. Driver is "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver       string `yaml:"driver" toml:"driver"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	Path         string `yaml:"path" toml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// LedgerConfig points the JSON-RPC client at a cluster.
type LedgerConfig struct {
	Network    string   `yaml:"network" toml:"network"`
	RPCURL     string   `yaml:"rpc_url" toml:"rpc_url"`
	Commitment string   `yaml:"commitment" toml:"commitment"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	RPS        float64  `yaml:"rps" toml:"rps"`
	Burst      int      `yaml:"burst" toml:"burst"`
}

// PaymentConfig holds the payment targets and acceptance policy.
type PaymentConfig struct {
	TreasuryAddress string `yaml:"treasury_address" toml:"treasury_address"`
	TokenSink       string `yaml:"token_sink_address" toml:"token_sink_address"`

	NativeTolerance float64 `yaml:"native_tolerance" toml:"native_tolerance"`
	NativeFloor     float64 `yaml:"native_floor" toml:"native_floor"`
	TokenEpsilon    float64 `yaml:"token_epsilon" toml:"token_epsilon"`
	TokenPrecision  int     `yaml:"token_precision" toml:"token_precision"`

	DefaultCostPerAttempt      float64 `yaml:"default_cost_per_attempt" toml:"default_cost_per_attempt"`
	DefaultTokenCostPerAttempt float64 `yaml:"default_token_cost_per_attempt" toml:"default_token_cost_per_attempt"`
	DefaultContractAddress     string  `yaml:"default_contract_address" toml:"default_contract_address"`
}

// ResponderConfig configures the OpenAI-compatible completion endpoint.
type ResponderConfig struct {
	BaseURL         string   `yaml:"base_url" toml:"base_url"`
	APIKey          string   `yaml:"api_key" toml:"api_key"`
	Timeout         Duration `yaml:"timeout" toml:"timeout"`
	ContextWindow   int      `yaml:"context_window" toml:"context_window"`
	FallbackMessage string   `yaml:"fallback_message" toml:"fallback_message"`
}

// RealtimeConfig tunes websocket connections.
type RealtimeConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	SubmitsPerMinute int      `yaml:"submits_per_minute" toml:"submits_per_minute"`
	SubmitBurst      int      `yaml:"submit_burst" toml:"submit_burst"`
	MaxMessageBytes  int64    `yaml:"max_message_bytes" toml:"max_message_bytes"`
	MaxContentLength int      `yaml:"max_content_length" toml:"max_content_length"`
	SendBuffer       int      `yaml:"send_buffer" toml:"send_buffer"`
	WriteTimeout     Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// AdminConfig guards the operator endpoints.
type AdminConfig struct {
	APIKey    string `yaml:"api_key" toml:"api_key"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer" toml:"jwt_issuer"`
	RateLimit int    `yaml:"rate_limit_per_minute" toml:"rate_limit_per_minute"`
}

// CORSConfig lists the browser origins allowed to call the admin API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoggingConfig tunes the slog handler and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the supplied path, applies defaults and environment
// overrides, then validates the result. An empty path yields defaults plus environment.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8000"
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.IdleTimeout.Duration == 0 {
		cfg.Server.IdleTimeout.Duration = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = 30 * time.Second
	}

	if cfg.Database.Driver == "" {
		if cfg.Database.DSN != "" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = "paychat.db"
	}

	if cfg.Ledger.Network == "" {
		cfg.Ledger.Network = NetworkDevnet
	}
	if cfg.Ledger.Commitment == "" {
		cfg.Ledger.Commitment = "confirmed"
	}
	if cfg.Ledger.Timeout.Duration == 0 {
		cfg.Ledger.Timeout.Duration = 10 * time.Second
	}
	if cfg.Ledger.RPS == 0 {
		cfg.Ledger.RPS = 10
	}
	if cfg.Ledger.Burst == 0 {
		cfg.Ledger.Burst = 20
	}

	if cfg.Payment.NativeTolerance == 0 {
		cfg.Payment.NativeTolerance = 0.95
	}
	if cfg.Payment.NativeFloor == 0 {
		cfg.Payment.NativeFloor = 0.01
	}
	if cfg.Payment.TokenEpsilon == 0 {
		cfg.Payment.TokenEpsilon = 1e-9
	}
	if cfg.Payment.TokenPrecision == 0 {
		cfg.Payment.TokenPrecision = 9
	}
	if cfg.Payment.DefaultCostPerAttempt == 0 {
		cfg.Payment.DefaultCostPerAttempt = 0.05
	}
	if cfg.Payment.DefaultContractAddress == "" {
		cfg.Payment.DefaultContractAddress = DefaultTokenMint
	}

	if cfg.Responder.BaseURL == "" {
		cfg.Responder.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Responder.Timeout.Duration == 0 {
		cfg.Responder.Timeout.Duration = 30 * time.Second
	}
	if cfg.Responder.ContextWindow == 0 {
		cfg.Responder.ContextWindow = 10
	}
	if cfg.Responder.FallbackMessage == "" {
		cfg.Responder.FallbackMessage = DefaultFallbackMessage
	}

	if cfg.Realtime.SubmitsPerMinute == 0 {
		cfg.Realtime.SubmitsPerMinute = 30
	}
	if cfg.Realtime.SubmitBurst == 0 {
		cfg.Realtime.SubmitBurst = 5
	}
	if cfg.Realtime.MaxMessageBytes == 0 {
		cfg.Realtime.MaxMessageBytes = 16 << 10
	}
	if cfg.Realtime.MaxContentLength == 0 {
		cfg.Realtime.MaxContentLength = 2000
	}
	if cfg.Realtime.SendBuffer == 0 {
		cfg.Realtime.SendBuffer = 64
	}
	if cfg.Realtime.WriteTimeout.Duration == 0 {
		cfg.Realtime.WriteTimeout.Duration = 10 * time.Second
	}

	if cfg.Admin.JWTIssuer == "" {
		cfg.Admin.JWTIssuer = "paychat"
	}
	if cfg.Admin.RateLimit == 0 {
		cfg.Admin.RateLimit = 120
	}

	if len(cfg.CORS.AllowedOrigins) == 0 && !cfg.IsProduction() {
		cfg.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if len(cfg.Realtime.AllowedOrigins) == 0 {
		cfg.Realtime.AllowedOrigins = originHosts(cfg.CORS.AllowedOrigins)
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4318"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB == 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups == 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays == 0 {
			cfg.Logging.MaxAgeDays = 14
		}
	}
}

// IsProduction reports whether the service runs with production defaults.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate ensures the configuration satisfies the minimum requirements.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Admin.APIKey) == "" && strings.TrimSpace(c.Admin.JWTSecret) == "" {
		problems = append(problems, "admin.api_key or admin.jwt_secret is required")
	}
	if strings.TrimSpace(c.Payment.TreasuryAddress) == "" {
		problems = append(problems, "payment.treasury_address is required")
	}
	if strings.TrimSpace(c.Payment.TokenSink) == "" {
		problems = append(problems, "payment.token_sink_address is required")
	}
	switch c.Database.Driver {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			problems = append(problems, "database.dsn is required for postgres")
		}
	case "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if _, err := c.Ledger.Endpoint(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Payment.NativeTolerance <= 0 || c.Payment.NativeTolerance > 1 {
		problems = append(problems, "payment.native_tolerance must be in (0,1]")
	}
	if c.Payment.NativeFloor < 0 || c.Payment.TokenEpsilon < 0 {
		problems = append(problems, "payment floor and epsilon must be non-negative")
	}
	if c.Payment.TokenPrecision < 0 || c.Payment.TokenPrecision > 18 {
		problems = append(problems, "payment.token_precision must be between 0 and 18")
	}
	if c.Payment.DefaultCostPerAttempt < 0 || c.Payment.DefaultTokenCostPerAttempt < 0 {
		problems = append(problems, "default attempt costs must be non-negative")
	}
	if c.Responder.ContextWindow < 0 {
		problems = append(problems, "responder.context_window must be non-negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		problems = append(problems, "telemetry.sample_ratio must be between 0 and 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Endpoint resolves the JSON-RPC URL for the configured network. An explicit RPCURL
// always wins; mainnet-beta has no public default.
func (l LedgerConfig) Endpoint() (string, error) {
	if url := strings.TrimSpace(l.RPCURL); url != "" {
		return url, nil
	}
	if url, ok := clusterEndpoints[l.Network]; ok {
		return url, nil
	}
	if l.Network == NetworkMainnet {
		return "", errors.New("ledger.rpc_url is required for mainnet-beta")
	}
	return "", fmt.Errorf("ledger.network %q is not supported", l.Network)
}

func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if _, rest, ok := strings.Cut(origin, "://"); ok {
			origin = rest
		}
		hosts = append(hosts, strings.TrimSuffix(origin, "/"))
	}
	return hosts
}
