package config

import (
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresBackend(t *testing.T) {
	c := Config{App: AppConfig{Env: "production", Port: 8080}}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without STORE_BACKEND")
	}
}

func TestValidate_LocalDefaultsToMemory(t *testing.T) {
	c := Config{App: AppConfig{Env: "local", Port: 8080}}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Store.Backend != "memory" {
		t.Fatalf("expected memory backend default, got %q", c.Store.Backend)
	}
	if c.Engine.RingTimeout != 30*time.Second {
		t.Fatalf("expected 30s ring timeout default, got %v", c.Engine.RingTimeout)
	}
	if c.Engine.ConnectTimeout != 15*time.Second {
		t.Fatalf("expected 15s connect timeout default, got %v", c.Engine.ConnectTimeout)
	}
}

func TestValidate_RedisBackendRequiresAddr(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		Store: StoreConfig{Backend: "redis"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for redis backend without REDIS_HOST")
	}
}

func TestValidate_TimeoutOrdering(t *testing.T) {
	c := Config{
		App: AppConfig{Env: "local", Port: 8080},
		Engine: EngineConfig{
			RingTimeout:    10 * time.Second,
			ConnectTimeout: 20 * time.Second,
		},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for connect timeout above ring timeout")
	}
}
