package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.CompletionModel != "gpt-4o" || cfg.ReasoningModel != "gpt-5" {
		t.Errorf("models = %s / %s", cfg.CompletionModel, cfg.ReasoningModel)
	}
	if cfg.HTTPTimeout != 30*time.Second || cfg.RetryBaseDelay != time.Second {
		t.Errorf("durations = %v / %v", cfg.HTTPTimeout, cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxAttempts != 3 || cfg.HistoryLimit != 100 {
		t.Errorf("retry/history = %d / %d", cfg.RetryMaxAttempts, cfg.HistoryLimit)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HTTP_TIMEOUT", "5s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,,")

	cfg, err := load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || cfg.HTTPTimeout != 5*time.Second || cfg.RetryMaxAttempts != 5 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if brokers := cfg.Brokers(); len(brokers) != 2 || brokers[1] != "b:9092" {
		t.Errorf("brokers = %v", brokers)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("OPENAI_API_KEY=sk-test\nHISTORY_LIMIT=25\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OpenAIAPIKey != "sk-test" || cfg.HistoryLimit != 25 {
		t.Errorf("file values not applied: key=%q limit=%d", cfg.OpenAIAPIKey, cfg.HistoryLimit)
	}
}

func TestAPIKeyClients(t *testing.T) {
	c := &Config{APIKeys: "k1:pharmacy-a, k2:pharmacy-b,k3,:orphan"}
	got := c.APIKeyClients()

	want := map[string]string{"k1": "pharmacy-a", "k2": "pharmacy-b", "k3": "k3"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s -> %q, want %q", k, got[k], v)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port: "8080", Env: "production", OpenAIAPIKey: "sk", RetryMaxAttempts: 3,
			HTTPTimeout: time.Second, HistoryLimit: 100, JWTSecret: "secret",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing provider key", func(c *Config) { c.OpenAIAPIKey = "" }, true},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }, true},
		{"no timeout", func(c *Config) { c.HTTPTimeout = 0 }, true},
		{"no credentials in production", func(c *Config) { c.JWTSecret = "" }, true},
		{"api keys suffice", func(c *Config) { c.JWTSecret = ""; c.APIKeys = "k:c" }, false},
		{"development without credentials", func(c *Config) { c.JWTSecret = ""; c.Env = "development" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
