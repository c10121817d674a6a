package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	nativecommon "lendingcore/native/common"
	"lendingcore/native/lending"
	"lendingcore/observability/logging"
	telemetry "lendingcore/observability/otel"
)

// EnvPrefix namespaces the environment overrides, e.g. LENDINGD_LISTEN_ADDRESS
// or LENDINGD_AUTH_HMAC_SECRET.
const EnvPrefix = "lendingd"

const (
	defaultListen          = ":8446"
	defaultShutdownTimeout = 5 * time.Second
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress   string        `yaml:"listen" split_words:"true"`
	Environment     string        `yaml:"environment"`
	GenesisPath     string        `yaml:"genesis" split_words:"true"`
	Custody         string        `yaml:"custody"`
	OracleMaxAge    time.Duration `yaml:"oracle_max_age" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`

	TLS       TLSConfig          `yaml:"tls"`
	Auth      AuthConfig         `yaml:"auth"`
	RateLimit RateLimitConfig    `yaml:"rate_limit" split_words:"true"`
	Quota     nativecommon.Quota `yaml:"quota"`
	Audit     AuditConfig        `yaml:"audit"`
	Logging   logging.Options    `yaml:"logging"`
	Telemetry telemetry.Config   `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert" split_words:"true"`
	KeyPath       string `yaml:"key" split_words:"true"`
	ClientCAPath  string `yaml:"client_ca" split_words:"true"`
	AllowInsecure bool   `yaml:"allow_insecure" split_words:"true"`
	MTLSRequired  bool   `yaml:"mtls_required" split_words:"true"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret" split_words:"true"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim" split_words:"true"`
	AdminScope string        `yaml:"admin_scope" split_words:"true"`
	ClockSkew  time.Duration `yaml:"clock_skew" split_words:"true"`
}

// RateLimitConfig bounds per-client request rates. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" split_words:"true"`
	Burst             int     `yaml:"burst"`
}

// AuditConfig selects the event log database.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Load reads the YAML configuration from disk, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress:   defaultListen,
		ShutdownTimeout: defaultShutdownTimeout,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("apply environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CustodyAddress returns the configured custody account.
func (cfg Config) CustodyAddress() common.Address {
	return common.HexToAddress(cfg.Custody)
}

// Sanitized returns a copy of the Config with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.Auth.HMACSecret = logging.MaskValue(clone.Auth.HMACSecret)
	clone.Audit.DSN = logging.MaskValue(clone.Audit.DSN)
	if len(clone.Telemetry.Headers) > 0 {
		headers := make(map[string]string, len(clone.Telemetry.Headers))
		for key, value := range clone.Telemetry.Headers {
			headers[key] = logging.MaskValue(value)
		}
		clone.Telemetry.Headers = headers
	}
	return clone
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.GenesisPath = strings.TrimSpace(cfg.GenesisPath)
	cfg.Custody = strings.TrimSpace(cfg.Custody)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	cfg.Audit.Driver = strings.ToLower(strings.TrimSpace(cfg.Audit.Driver))
	cfg.Audit.DSN = strings.TrimSpace(cfg.Audit.DSN)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.GenesisPath == "" {
		return fmt.Errorf("genesis path required")
	}
	if !common.IsHexAddress(cfg.Custody) {
		return fmt.Errorf("custody %q is not a hex address", cfg.Custody)
	}
	if cfg.OracleMaxAge < 0 {
		return fmt.Errorf("oracle_max_age must be non-negative")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	if err := cfg.Audit.validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	if cfg.MTLSRequired && cfg.ClientCAPath == "" {
		return fmt.Errorf("mtls_required needs client_ca")
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	cfg.AdminScope = strings.TrimSpace(cfg.AdminScope)
}

func (cfg AuthConfig) validate() error {
	if cfg.HMACSecret == "" {
		return fmt.Errorf("hmac_secret must be configured")
	}
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 bytes")
	}
	if cfg.ClockSkew < 0 {
		return fmt.Errorf("clock_skew must be non-negative")
	}
	return nil
}

func (cfg AuditConfig) validate() error {
	switch cfg.Driver {
	case "", "sqlite":
		return nil
	case "postgres":
		if cfg.DSN == "" {
			return fmt.Errorf("postgres driver requires a dsn")
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// LoadGenesis decodes the market genesis TOML file. Unknown keys are rejected
// so a misspelt field cannot silently list a market with zero weights.
func LoadGenesis(path string) (lending.Config, error) {
	var genesis lending.Config
	if strings.TrimSpace(path) == "" {
		return genesis, fmt.Errorf("genesis path required")
	}
	meta, err := toml.DecodeFile(path, &genesis)
	if err != nil {
		return lending.Config{}, fmt.Errorf("decode genesis: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return lending.Config{}, fmt.Errorf("genesis: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := genesis.Validate(); err != nil {
		return lending.Config{}, fmt.Errorf("genesis: %w", err)
	}
	return genesis, nil
}
