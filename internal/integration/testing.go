// Package integration assembles the real server stack end to end:
// sqlite checkpoints, schema-validated tools, the turn runner and the
// WebSocket gateway, driven through an actual client connection. Tests
// that need a live model backend are build-tagged and skip without
// credentials.
package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config carries environment-driven settings for tests that reach
// external services.
type Config struct {
	AnthropicKey string
	TestTimeout  time.Duration
}

// LoadConfig reads integration settings from the environment.
func LoadConfig() *Config {
	return &Config{
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		TestTimeout:  60 * time.Second,
	}
}

// SkipIfNoAPIKey skips tests that call a real model backend.
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("skipping %s test: API key not set", name)
	}
}

// SkipIfShort skips slow tests under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// NewTestContext returns a context that expires with the test.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
