// Package config loads runtime settings from an optional .env file and
// FLAKE_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"flakeflow/ledger"
)

const envPrefix = "FLAKE"

// Keys as seen by viper. The environment variable is FLAKE_ plus the upper-cased key.
const (
	KeyDatabaseURL      = "database_url"
	KeyRedisURL         = "redis_url"
	KeyHTTPAddr         = "http_addr"
	KeyLogLevel         = "log_level"
	KeyChainRPCURL      = "chain_rpc_url"
	KeyChainID          = "chain_id"
	KeyEscrowAddress    = "escrow_address"
	KeyOraclePrivateKey = "oracle_private_key"
	KeyOracleKeyHash    = "oracle_key_hash"
	KeyCallerJWTSecret  = "caller_jwt_secret"
	KeyDeeplinkSecret   = "deeplink_secret"
	KeyDeeplinkBaseURL  = "deeplink_base_url"
	KeyAIProvider       = "ai_provider"
	KeyAIModel          = "ai_model"
	KeyOpenAIAPIKey     = "openai_api_key"
	KeyAnthropicAPIKey  = "anthropic_api_key"
	KeyPinataJWT        = "pinata_jwt"
	KeyPinataEndpoint   = "pinata_endpoint"
	KeyGatewayTimeout   = "gateway_timeout"
	KeySweepInterval    = "sweep_interval"
	KeyRelayInterval    = "relay_interval"
	KeyRelayStream      = "relay_stream"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	HTTPAddr    string
	LogLevel    slog.Level

	ChainRPCURL      string
	ChainID          int64
	EscrowAddress    string
	OraclePrivateKey string
	OracleKeyHash    string

	CallerJWTSecret string
	DeeplinkSecret  string
	DeeplinkBaseURL string

	AIProvider      string
	AIModel         string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	PinataJWT      string
	PinataEndpoint string

	GatewayTimeout time.Duration
	SweepInterval  time.Duration
	RelayInterval  time.Duration
	RelayStream    string
}

// Requirement names a group of settings a command cannot run without.
type Requirement int

const (
	NeedDatabase Requirement = iota
	NeedRedis
	NeedServer
	NeedChain
	NeedOracleSigner
)

// New returns a viper instance wired to the FLAKE_ environment with defaults set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyHTTPAddr, ":8080")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyChainID, 8453)
	v.SetDefault(KeyDeeplinkBaseURL, "flakeflow://verify")
	v.SetDefault(KeyAIProvider, "openai")
	v.SetDefault(KeyGatewayTimeout, 30*time.Second)
	v.SetDefault(KeySweepInterval, time.Minute)
	v.SetDefault(KeyRelayInterval, 2*time.Second)
	v.SetDefault(KeyRelayStream, "flakeflow:events")
	return v
}

// LoadDotEnv loads the given files (".env" when none are given) into the
// process environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads every setting from v.
func Load(v *viper.Viper) (Config, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", KeyLogLevel, err)
	}

	cfg := Config{
		DatabaseURL:      v.GetString(KeyDatabaseURL),
		RedisURL:         v.GetString(KeyRedisURL),
		HTTPAddr:         v.GetString(KeyHTTPAddr),
		LogLevel:         level,
		ChainRPCURL:      v.GetString(KeyChainRPCURL),
		ChainID:          v.GetInt64(KeyChainID),
		EscrowAddress:    strings.TrimSpace(v.GetString(KeyEscrowAddress)),
		OraclePrivateKey: strings.TrimSpace(v.GetString(KeyOraclePrivateKey)),
		OracleKeyHash:    v.GetString(KeyOracleKeyHash),
		CallerJWTSecret:  v.GetString(KeyCallerJWTSecret),
		DeeplinkSecret:   v.GetString(KeyDeeplinkSecret),
		DeeplinkBaseURL:  v.GetString(KeyDeeplinkBaseURL),
		AIProvider:       strings.ToLower(strings.TrimSpace(v.GetString(KeyAIProvider))),
		AIModel:          v.GetString(KeyAIModel),
		OpenAIAPIKey:     v.GetString(KeyOpenAIAPIKey),
		AnthropicAPIKey:  v.GetString(KeyAnthropicAPIKey),
		PinataJWT:        v.GetString(KeyPinataJWT),
		PinataEndpoint:   v.GetString(KeyPinataEndpoint),
		GatewayTimeout:   v.GetDuration(KeyGatewayTimeout),
		SweepInterval:    v.GetDuration(KeySweepInterval),
		RelayInterval:    v.GetDuration(KeyRelayInterval),
		RelayStream:      v.GetString(KeyRelayStream),
	}
	if cfg.GatewayTimeout <= 0 {
		return Config{}, fmt.Errorf("config: %s must be positive", KeyGatewayTimeout)
	}
	return cfg, nil
}

// Validate reports every missing setting for the given requirements.
func (c Config) Validate(reqs ...Requirement) error {
	var errs []error
	missing := func(key, val string) {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("config: %s_%s is required", envPrefix, strings.ToUpper(key)))
		}
	}
	for _, r := range reqs {
		switch r {
		case NeedDatabase:
			missing(KeyDatabaseURL, c.DatabaseURL)
		case NeedRedis:
			missing(KeyRedisURL, c.RedisURL)
		case NeedServer:
			missing(KeyCallerJWTSecret, c.CallerJWTSecret)
			missing(KeyDeeplinkSecret, c.DeeplinkSecret)
		case NeedChain:
			missing(KeyEscrowAddress, c.EscrowAddress)
			if c.EscrowAddress != "" && !ledger.ValidAddress(c.EscrowAddress) {
				errs = append(errs, fmt.Errorf("config: %s_%s is not a hex account address", envPrefix, strings.ToUpper(KeyEscrowAddress)))
			}
			if c.ChainID <= 0 {
				errs = append(errs, fmt.Errorf("config: %s_%s must be positive", envPrefix, strings.ToUpper(KeyChainID)))
			}
		case NeedOracleSigner:
			missing(KeyChainRPCURL, c.ChainRPCURL)
			missing(KeyOraclePrivateKey, c.OraclePrivateKey)
		}
	}
	return errors.Join(errs...)
}

// AIConfigured reports whether an adjudicator provider has credentials.
func (c Config) AIConfigured() bool {
	switch c.AIProvider {
	case "anthropic", "claude":
		return c.AnthropicAPIKey != ""
	default:
		return c.OpenAIAPIKey != ""
	}
}
