package config

import "testing"

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsZeroMaxInstances(t *testing.T) {
	c := Defaults()
	c.MaxInstances = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for MaxInstances=0")
	}
}

func TestValidateRejectsPortRangeOverflow(t *testing.T) {
	c := Defaults()
	c.PortStart = 65500
	c.PortPoolSize = 100
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for overflowing port range")
	}
}

func TestValidateRejectsNegativeRestartAttempts(t *testing.T) {
	c := Defaults()
	c.MaxRestartAttempts = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for negative max_restart_attempts")
	}
}

func TestValidateRejectsEmptyBinary(t *testing.T) {
	c := Defaults()
	c.OpenCodeBinary = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("Validate() = nil, want error for empty opencode_binary")
	}
}

func TestLoadMergesEnvironmentOverDefaults(t *testing.T) {
	t.Setenv("OCR_MAX_INSTANCES", "42")
	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxInstances != 42 {
		t.Fatalf("MaxInstances = %d, want 42 (from OCR_MAX_INSTANCES)", cfg.MaxInstances)
	}
	if cfg.OpenCodeBinary != Defaults().OpenCodeBinary {
		t.Fatalf("OpenCodeBinary = %q, want default %q", cfg.OpenCodeBinary, Defaults().OpenCodeBinary)
	}
}
