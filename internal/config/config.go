// Package config holds process-level settings read from the environment.
// Content and rate limit rules live in the policy file instead.
package config

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name, e.g. SHIELDWALL_LISTEN.
const Prefix = "SHIELDWALL"

// Config is the runtime configuration of the serve command.
type Config struct {
	Listen     string `envconfig:"LISTEN" json:"listen" default:":8090"`
	PolicyFile string `envconfig:"POLICY" json:"policy" default:"configs/default_policy.yaml"`
	LogLevel   string `envconfig:"LOG_LEVEL" json:"log_level" default:"info"`
	AuditLog   string `envconfig:"AUDIT_LOG" json:"audit_log" default:""`

	// SinkURL receives HIGH and CRITICAL events as JSON when set.
	SinkURL         string  `envconfig:"SINK_URL" json:"sink_url" default:""`
	SinkRPS         float64 `envconfig:"SINK_RPS" json:"sink_rps" default:"10"`
	SinkBurst       int     `envconfig:"SINK_BURST" json:"sink_burst" default:"10"`
	SinkMaxFailures uint32  `envconfig:"SINK_MAX_FAILURES" json:"sink_max_failures" default:"5"`

	RedisAddr     string `envconfig:"REDIS_ADDR" json:"redis_addr" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" json:"redis_password" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" json:"redis_db" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" json:"redis_channel" default:"shieldwall:events"`
	RedisHistory  string `envconfig:"REDIS_HISTORY_KEY" json:"redis_history_key" default:""`

	// UpstreamURL enables the chat completions proxy when set.
	UpstreamURL string `envconfig:"UPSTREAM_URL" json:"upstream_url" default:""`

	// CSPRelayRPS caps reports relayed to the policy's report endpoint.
	CSPRelayRPS   float64 `envconfig:"CSP_RELAY_RPS" json:"csp_relay_rps" default:"5"`
	CSPRelayBurst int     `envconfig:"CSP_RELAY_BURST" json:"csp_relay_burst" default:"10"`

	// AdminToken guards the routes that reset limiter state or clear events.
	// Those routes are disabled while it is empty.
	AdminToken string `envconfig:"ADMIN_TOKEN" json:"-" default:""`
	// TrustClientHeader keys rate limiting on X-Shieldwall-Client instead of
	// the remote host. Enable only behind a proxy that sets the header.
	TrustClientHeader bool `envconfig:"TRUST_CLIENT_HEADER" json:"trust_client_header" default:"false"`

	CORSOrigins string `envconfig:"CORS_ORIGINS" json:"cors_origins" default:"*"`
	Dashboard   bool   `envconfig:"DASHBOARD" json:"dashboard" default:"true"`
	Metrics     bool   `envconfig:"METRICS" json:"metrics" default:"true"`
}

// Load reads a .env file if one exists, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
		validation.Field(&c.SinkURL, validation.When(c.SinkURL != "", validation.By(httpURL))),
		validation.Field(&c.UpstreamURL, validation.When(c.UpstreamURL != "", validation.By(httpURL))),
		validation.Field(&c.SinkRPS, validation.Min(0.0)),
		validation.Field(&c.SinkBurst, validation.Min(0)),
		validation.Field(&c.CSPRelayRPS, validation.Min(0.0)),
		validation.Field(&c.CSPRelayBurst, validation.Min(0)),
		validation.Field(&c.AdminToken, validation.When(c.AdminToken != "", validation.Length(16, 0))),
		validation.Field(&c.RedisChannel, validation.When(c.RedisAddr != "", validation.Required)),
	)
}

// Origins splits CORSOrigins on commas.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func httpURL(v interface{}) error {
	s, _ := v.(string)
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return fmt.Errorf("must be an http(s) URL")
	}
	return nil
}
