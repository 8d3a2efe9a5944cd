package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !envBool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	if envBool("TEST_BOOL_MISSING", false) {
		t.Fatal("expected fallback false")
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.AssessFanOut != 4 {
		t.Fatalf("expected default fan-out 4, got %d", cfg.AssessFanOut)
	}
	if cfg.ServiceName != "vigil" {
		t.Fatalf("expected default service name vigil, got %q", cfg.ServiceName)
	}
}

func TestLoadRejectsZeroFanOut(t *testing.T) {
	t.Setenv("VIGIL_ASSESS_FANOUT", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with zero fan-out")
	}
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("VIGIL_MCP_TRANSPORT", "grpc")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with unknown transport")
	}
}

func TestLoadRejectsNegativeRetries(t *testing.T) {
	t.Setenv("VIGIL_INSERT_RETRIES", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with negative retries")
	}
}
