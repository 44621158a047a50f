package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/colloquy/internal/config"
)

type gatewayOptions struct {
	AuthScheme string            `mapstructure:"auth_scheme"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	MaxRetries int               `mapstructure:"max_retries"`
	Headers    map[string]string `mapstructure:"headers"`
}

func TestDecodeOptions(t *testing.T) {
	t.Parallel()
	var got gatewayOptions
	err := config.DecodeOptions(map[string]any{
		"auth_scheme": "header",
		"timeout":     "90s",
		"max_retries": "2",
		"headers":     map[string]any{"X-Team": "qa"},
	}, &got)
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if got.AuthScheme != "header" {
		t.Errorf("AuthScheme = %q, want header", got.AuthScheme)
	}
	if got.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", got.Timeout)
	}
	if got.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", got.MaxRetries)
	}
	if got.Headers["X-Team"] != "qa" {
		t.Errorf("Headers = %v", got.Headers)
	}
}

func TestDecodeOptions_UnknownKey(t *testing.T) {
	t.Parallel()
	var got gatewayOptions
	if err := config.DecodeOptions(map[string]any{"auth_schme": "bearer"}, &got); err == nil {
		t.Fatal("expected error for misspelt key, got nil")
	}
}

func TestDecodeOptions_Nil(t *testing.T) {
	t.Parallel()
	var got gatewayOptions
	if err := config.DecodeOptions(nil, &got); err != nil {
		t.Fatalf("DecodeOptions(nil): %v", err)
	}
}
