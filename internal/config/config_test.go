package config

import (
	"strings"
	"testing"
	"time"
)

func TestListenAddrPrecedence(t *testing.T) {
	cases := []struct {
		name string
		addr string
		port string
		want string
	}{
		{"explicit addr wins over port", "127.0.0.1:4000", "8080", "127.0.0.1:4000"},
		{"port fallback", "", "8080", "0.0.0.0:8080"},
		{"default when nothing set", "", "", "0.0.0.0:9001"},
		{"non-numeric port ignored", "", "http", "0.0.0.0:9001"},
		{"oversized port ignored", "", "70000", "0.0.0.0:9001"},
		{"negative port ignored", "", "-1", "0.0.0.0:9001"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{ServerAddr: tc.addr, Port: tc.port}
			if got := cfg.ListenAddr(); got != tc.want {
				t.Errorf("ListenAddr() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PULSE_SERVER_ADDR", "127.0.0.1:7777")
	t.Setenv("PULSE_ACCESS_TOKEN", "hunter2")
	t.Setenv("PULSE_MAX_CONNECTIONS", "32")
	t.Setenv("PULSE_LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.ListenAddr(); got != "127.0.0.1:7777" {
		t.Errorf("ListenAddr() = %q, want 127.0.0.1:7777", got)
	}
	if cfg.AccessToken != "hunter2" {
		t.Errorf("AccessToken = %q, want hunter2", cfg.AccessToken)
	}
	if cfg.MaxConnections != 32 {
		t.Errorf("MaxConnections = %d, want 32", cfg.MaxConnections)
	}
	if cfg.MetricsInterval != 15*time.Second {
		t.Errorf("MetricsInterval = %s, want default 15s", cfg.MetricsInterval)
	}

	sc := cfg.ServerConfig()
	if sc.Addr != "127.0.0.1:7777" || sc.AccessToken != "hunter2" || sc.MaxConnections != 32 {
		t.Errorf("ServerConfig() = %+v, does not mirror the parsed config", sc)
	}
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("PULSE_MAX_CONNECTIONS", "0")

	if _, err := Load(nil); err == nil {
		t.Fatal("Load accepted PULSE_MAX_CONNECTIONS=0")
	}

	t.Setenv("PULSE_MAX_CONNECTIONS", "lots")

	if _, err := Load(nil); err == nil {
		t.Fatal("Load accepted a non-numeric PULSE_MAX_CONNECTIONS")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }, "PULSE_MAX_CONNECTIONS"},
		{"zero metrics interval", func(c *Config) { c.MetricsInterval = 0 }, "PULSE_METRICS_INTERVAL"},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, "PULSE_LOG_LEVEL"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "PULSE_LOG_FORMAT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				MaxConnections:  100,
				MetricsInterval: 15 * time.Second,
				LogLevel:        "info",
				LogFormat:       "json",
			}
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a bad config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not name %s", err, tc.want)
			}
		})
	}
}
