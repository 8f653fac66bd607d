package config

import (
	"strings"
	"testing"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Listen != ":8090" {
		t.Errorf("Listen = %q, want :8090", cfg.Listen)
	}
	if cfg.RedisChannel != "shieldwall:events" {
		t.Errorf("RedisChannel = %q", cfg.RedisChannel)
	}
	if !cfg.Dashboard || !cfg.Metrics {
		t.Error("dashboard and metrics should default on")
	}
	if cfg.SinkRPS != 10 {
		t.Errorf("SinkRPS = %v, want 10", cfg.SinkRPS)
	}
	if cfg.AdminToken != "" || cfg.TrustClientHeader {
		t.Error("admin routes and client header trust should default off")
	}
	if cfg.CSPRelayRPS != 5 || cfg.CSPRelayBurst != 10 {
		t.Errorf("csp relay limit = %v/%d, want 5/10", cfg.CSPRelayRPS, cfg.CSPRelayBurst)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("SHIELDWALL_LISTEN", "127.0.0.1:9000")
	t.Setenv("SHIELDWALL_SINK_URL", "https://siem.example.com/ingest")
	t.Setenv("SHIELDWALL_CORS_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("SHIELDWALL_DASHBOARD", "false")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.SinkURL != "https://siem.example.com/ingest" {
		t.Errorf("SinkURL = %q", cfg.SinkURL)
	}
	if cfg.Dashboard {
		t.Error("dashboard should be disabled")
	}
	origins := cfg.Origins()
	if len(origins) != 2 || origins[1] != "https://b.example.com" {
		t.Errorf("Origins = %v", origins)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"bad sink url", "SHIELDWALL_SINK_URL", "ftp://x", "sink_url"},
		{"bad level", "SHIELDWALL_LOG_LEVEL", "loud", "log_level"},
		{"not a number", "SHIELDWALL_SINK_RPS", "fast", "reading environment"},
		{"bad upstream", "SHIELDWALL_UPSTREAM_URL", "localhost:11434", "upstream_url"},
		{"short admin token", "SHIELDWALL_ADMIN_TOKEN", "secret", "admintoken"},
		{"negative relay rate", "SHIELDWALL_CSP_RELAY_RPS", "-1", "csp_relay_rps"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := FromEnv()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(strings.ToLower(err.Error()), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
