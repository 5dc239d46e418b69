package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.TSA.MaxAttempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", cfg.TSA.MaxAttempts)
	}
	if cfg.TSA.BaseDelay != time.Second || cfg.TSA.MaxDelay != 30*time.Second {
		t.Errorf("Unexpected backoff bounds %v/%v", cfg.TSA.BaseDelay, cfg.TSA.MaxDelay)
	}
	if cfg.TSA.AttemptTimeout != 15*time.Second {
		t.Errorf("Expected 15s attempt timeout, got %v", cfg.TSA.AttemptTimeout)
	}
	if cfg.Upload.MaxBytes != 50<<20 {
		t.Errorf("Expected 50MB upload limit, got %d", cfg.Upload.MaxBytes)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TSA_MAX_ATTEMPTS", "3")
	t.Setenv("TSA_ATTEMPT_TIMEOUT", "2s")
	t.Setenv("UPLOAD_ALLOWED_TYPES", "image/png, application/pdf ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.TSA.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", cfg.TSA.MaxAttempts)
	}
	if cfg.TSA.AttemptTimeout != 2*time.Second {
		t.Errorf("Expected 2s, got %v", cfg.TSA.AttemptTimeout)
	}
	if len(cfg.Upload.AllowedTypes) != 2 || cfg.Upload.AllowedTypes[1] != "application/pdf" {
		t.Errorf("Unexpected allowed types %v", cfg.Upload.AllowedTypes)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "production with default secret",
			env:  map[string]string{"ENV": "production"},
		},
		{
			name: "external authority without pinned certs",
			env:  map[string]string{"TSA_URL": "https://tsa.example.com"},
		},
		{
			name: "no authority at all",
			env:  map[string]string{"TSA_EMBEDDED_ENABLED": "false"},
		},
		{
			name: "stale cutoff inside the request budget",
			env:  map[string]string{"PROOF_STALE_AFTER": "1m"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Expected validation error, got nil")
			}
		})
	}
}
