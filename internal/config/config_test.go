package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestFromYAML(t *testing.T) {
	data := []byte(`
deployment:
  id: orbit
  name: Orbit rollout
phases:
  - id: pilot
    name: Pilot
    criteria:
      min_completion_rate: 80
      max_error_rate: 5
      target_duration_days: 14
    targets: [u1, u2]
  - id: org
    name: Organization
    criteria:
      min_completion_rate: 90
      max_error_rate: 2
      target_duration_days: 30
steps:
  - id: install
    name: Install
    required: true
  - id: training
    name: Training
    required: false
resilience:
  retry:
    max_attempts: 5
`)
	cfg, err := FromYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Deployment.ID != "orbit" {
		t.Fatalf("deployment id %q", cfg.Deployment.ID)
	}
	if len(cfg.Phases) != 2 || cfg.Phases[0].ID != "pilot" || cfg.Phases[1].ID != "org" {
		t.Fatalf("unexpected phases %+v", cfg.Phases)
	}
	if got := cfg.Phases[0].Targets; len(got) != 2 || got[0] != "u1" {
		t.Fatalf("unexpected targets %v", got)
	}
	if cfg.Phases[1].Criteria.MinCompletionRate != 90 {
		t.Fatalf("criteria not parsed: %+v", cfg.Phases[1].Criteria)
	}
	if len(cfg.Steps) != 2 || !cfg.Steps[0].Required || cfg.Steps[1].Required {
		t.Fatalf("unexpected steps %+v", cfg.Steps)
	}
	if cfg.Resilience.Retry.MaxAttempts != 5 {
		t.Fatalf("retry config not parsed: %+v", cfg.Resilience.Retry)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing deployment id", func(c *Config) { c.Deployment.ID = "" }, "deployment.id"},
		{"no phases", func(c *Config) { c.Phases = nil }, "at least one phase"},
		{"duplicate phase", func(c *Config) { c.Phases[1].ID = c.Phases[0].ID }, "duplicate phase"},
		{"completion rate out of range", func(c *Config) { c.Phases[0].Criteria.MinCompletionRate = 120 }, "min_completion_rate"},
		{"no steps", func(c *Config) { c.Steps = nil }, "at least one onboarding step"},
		{"duplicate step", func(c *Config) { c.Steps[1].ID = c.Steps[0].ID }, "duplicate step"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("orbit")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
	if err := Default("orbit").Validate(); err != nil {
		t.Fatalf("default plan should validate: %v", err)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	workspace := t.TempDir()
	cfg := Default("orbit")
	cfg.Phases[0].Targets = []string{"u1"}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(Path(workspace), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Deployment.ID != "orbit" || len(got.Phases) != 3 || got.Phases[0].Targets[0] != "u1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestPath(t *testing.T) {
	if got := Path(""); got != filepath.Join(".", "stageline.yml") {
		t.Fatalf("default path %q", got)
	}
	if got := Path("/tmp/ws"); got != filepath.Join("/tmp/ws", "stageline.yml") {
		t.Fatalf("workspace path %q", got)
	}
}
