// Package config loads portal configuration from a YAML file with
// environment-variable overrides. Environment values win so deployments
// can keep secrets out of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     int    `yaml:"read_timeout_seconds"`
	WriteTimeout    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
	AllowedOrigins  string `yaml:"allowed_origins"`
	RateLimitPerSec int    `yaml:"rate_limit_per_second"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
}

// DatabaseConfig controls the postgres member store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig controls the optional shared price-cache layer.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig mirrors pkg/logger configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AuthConfig holds token secrets and lifetimes.
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret"`
	AdminSecret   string `yaml:"admin_secret"`
	SessionTTL    int    `yaml:"session_ttl_seconds"`
	StateTTL      int    `yaml:"state_ttl_seconds"`
	CookieDomain  string `yaml:"cookie_domain"`
	CookieSecure  *bool  `yaml:"cookie_secure"`
}

// SessionTTLOrDefault returns the session token lifetime.
func (a AuthConfig) SessionTTLOrDefault() time.Duration {
	if a.SessionTTL > 0 {
		return time.Duration(a.SessionTTL) * time.Second
	}
	return 7 * 24 * time.Hour
}

// StateTTLOrDefault returns the OAuth state token lifetime.
func (a AuthConfig) StateTTLOrDefault() time.Duration {
	if a.StateTTL > 0 {
		return time.Duration(a.StateTTL) * time.Second
	}
	return 10 * time.Minute
}

// SecureCookies reports whether session cookies carry the Secure
// attribute. Unset defaults to true; local development opts out.
func (a AuthConfig) SecureCookies() bool {
	if a.CookieSecure == nil {
		return true
	}
	return *a.CookieSecure
}

// OriginList splits the comma-separated allowed_origins value.
func (s ServerConfig) OriginList() []string {
	if s.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(s.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// OAuthConfig holds the Discord application credentials.
type OAuthConfig struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	RedirectURI   string `yaml:"redirect_uri"`
	AppBaseURL    string `yaml:"app_base_url"`
	AuthorizeURL  string `yaml:"authorize_url"`
	TokenURL      string `yaml:"token_url"`
	UserURL       string `yaml:"user_url"`
}

// StablecoinConfig identifies an allow-listed token contract.
type StablecoinConfig struct {
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// ChainConfig describes one supported payment network.
type ChainConfig struct {
	RPCURL           string                      `yaml:"rpc_url"`
	ReceivingAddress string                      `yaml:"receiving_address"`
	PriceID          string                      `yaml:"price_id"`
	NativeSymbol     string                      `yaml:"native_symbol"`
	Stablecoins      map[string]StablecoinConfig `yaml:"stablecoins"`
}

// MembershipConfig holds pricing fallbacks and operator allow-lists.
type MembershipConfig struct {
	ProMonthUSD   float64  `yaml:"pro_month_usd"`
	UltraMonthUSD float64  `yaml:"ultra_month_usd"`
	ToleranceUSD  float64  `yaml:"tolerance_usd"`
	ProSubjects   []string `yaml:"pro_subjects"`
	UltraSubjects []string `yaml:"ultra_subjects"`
}

// QuoteConfig controls the spot price collaborator.
type QuoteConfig struct {
	BaseURL       string `yaml:"base_url"`
	CacheTTL      int    `yaml:"cache_ttl_seconds"`
	TimeoutSecond int    `yaml:"timeout_seconds"`
}

// MarketConfig controls the market proxy endpoints.
type MarketConfig struct {
	TickerURL     string `yaml:"ticker_url"`
	CacheTTL      int    `yaml:"cache_ttl_seconds"`
	TimeoutSecond int    `yaml:"timeout_seconds"`
}

// HistoryConfig controls the signal history dataset.
type HistoryConfig struct {
	DataPath    string   `yaml:"data_path"`
	CutoffDate  string   `yaml:"cutoff_date"`
	ForcedDates []string `yaml:"forced_crash_dates"`
}

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Database   DatabaseConfig         `yaml:"database"`
	Redis      RedisConfig            `yaml:"redis"`
	Logging    LoggingConfig          `yaml:"logging"`
	Auth       AuthConfig             `yaml:"auth"`
	OAuth      OAuthConfig            `yaml:"oauth"`
	Membership MembershipConfig       `yaml:"membership"`
	Chains     map[string]ChainConfig `yaml:"chains"`
	Quote      QuoteConfig            `yaml:"quote"`
	Market     MarketConfig           `yaml:"market"`
	History    HistoryConfig          `yaml:"history"`
}

// Load reads configuration from path (missing file is fine), applies
// defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration, including the supported
// payment networks and their stablecoin allow-lists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
			RateLimitPerSec: 20,
			RateLimitBurst:  40,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Membership: MembershipConfig{
			ToleranceUSD: 3,
		},
		Quote: QuoteConfig{
			BaseURL:       "https://api.coingecko.com/api/v3",
			CacheTTL:      60,
			TimeoutSecond: 10,
		},
		Market: MarketConfig{
			TickerURL:     "https://api.binance.com/api/v3/ticker/price",
			CacheTTL:      15,
			TimeoutSecond: 10,
		},
		History: HistoryConfig{
			DataPath:   "data/signal_data.json",
			CutoffDate: "2022-11-11",
		},
		OAuth: OAuthConfig{
			AuthorizeURL: "https://discord.com/api/oauth2/authorize",
			TokenURL:     "https://discord.com/api/oauth2/token",
			UserURL:      "https://discord.com/api/users/@me",
			AppBaseURL:   "/",
		},
		Chains: map[string]ChainConfig{
			"ethereum": {
				ReceivingAddress: "0x70FBd71c755aE9355f76ff88FF5b74B2a51889D7",
				PriceID:          "ethereum",
				NativeSymbol:     "ETH",
				Stablecoins: map[string]StablecoinConfig{
					"USDT": {Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
					"USDC": {Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
				},
			},
			"bnb": {
				ReceivingAddress: "0x70FBd71c755aE9355f76ff88FF5b74B2a51889D7",
				PriceID:          "binancecoin",
				NativeSymbol:     "BNB",
				Stablecoins: map[string]StablecoinConfig{
					"USDT": {Address: "0x55d398326f99059ff775485246999027b3197955", Decimals: 18},
					"USDC": {Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18},
				},
			},
			"arbitrum": {
				ReceivingAddress: "0x70FBd71c755aE9355f76ff88FF5b74B2a51889D7",
				PriceID:          "ethereum",
				NativeSymbol:     "ETH",
				Stablecoins: map[string]StablecoinConfig{
					"USDT": {Address: "0xfd086bc7cd5c481dcc9c85ebe478a1c0b69fcbb9", Decimals: 6},
					"USDC": {Address: "0xff970a61a04b1ca14834a43f5de4533ebddb5cc8", Decimals: 6},
				},
			},
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.Auth.SessionSecret = v
	}
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		c.Auth.AdminSecret = v
	}
	if v := os.Getenv("DISCORD_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("DISCORD_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("DISCORD_REDIRECT_URI"); v != "" {
		c.OAuth.RedirectURI = v
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		c.OAuth.AppBaseURL = v
	}
	if v := parsePositiveFloat(os.Getenv("PRO_MONTH_USD")); v > 0 {
		c.Membership.ProMonthUSD = v
	}
	if v := parsePositiveFloat(os.Getenv("ULTRA_MONTH_USD")); v > 0 {
		c.Membership.UltraMonthUSD = v
	}
	if ids := splitIDs(os.Getenv("PRO_SUBJECT_IDS")); len(ids) > 0 {
		c.Membership.ProSubjects = ids
	}
	if ids := splitIDs(os.Getenv("ULTRA_SUBJECT_IDS")); len(ids) > 0 {
		c.Membership.UltraSubjects = ids
	}

	rpcEnv := map[string]string{
		"ethereum": "ETH_RPC_URL",
		"bnb":      "BSC_RPC_URL",
		"arbitrum": "ARB_RPC_URL",
	}
	for network, env := range rpcEnv {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		chain, ok := c.Chains[network]
		if !ok {
			chain = ChainConfig{}
		}
		chain.RPCURL = v
		c.Chains[network] = chain
	}
	if v := os.Getenv("SIGNAL_DATA_PATH"); v != "" {
		c.History.DataPath = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.SessionSecret) == "" {
		return fmt.Errorf("auth.session_secret (SESSION_SECRET) is required")
	}
	if c.Membership.ToleranceUSD < 0 {
		return fmt.Errorf("membership.tolerance_usd must not be negative")
	}
	for name, chain := range c.Chains {
		if strings.TrimSpace(chain.ReceivingAddress) == "" {
			return fmt.Errorf("chain %s: receiving_address is required", name)
		}
	}
	return nil
}

// EnabledChains returns the networks that have an RPC endpoint
// configured. Chains without one are listed in payment config but
// rejected for verification.
func (c *Config) EnabledChains() map[string]ChainConfig {
	out := make(map[string]ChainConfig, len(c.Chains))
	for name, chain := range c.Chains {
		if strings.TrimSpace(chain.RPCURL) != "" {
			out[name] = chain
		}
	}
	return out
}

func parsePositiveFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return f
}

func splitIDs(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
