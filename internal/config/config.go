package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml: the declarative rollout plan plus tuning for
// the resilience primitives guarding remote calls.
type Config struct {
	Deployment struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"deployment"`
	Phases []PhasePlan `yaml:"phases"`
	Steps  []StepPlan  `yaml:"steps"`
	Resilience struct {
		Retry struct {
			MaxAttempts    int `yaml:"max_attempts"`
			InitialDelayMS int `yaml:"initial_delay_ms"`
			MaxDelayMS     int `yaml:"max_delay_ms"`
		} `yaml:"retry"`
		Breaker struct {
			FailureThreshold int `yaml:"failure_threshold"`
		} `yaml:"breaker"`
		Limiter struct {
			Capacity        int     `yaml:"capacity"`
			RefillPerSecond float64 `yaml:"refill_per_second"`
		} `yaml:"limiter"`
	} `yaml:"resilience"`
	Bulk struct {
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"bulk"`
	Notifications struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"notifications"`
}

// PhasePlan declares one rollout phase; order in the list fixes position.
type PhasePlan struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Criteria struct {
		MinCompletionRate  int `yaml:"min_completion_rate"`
		MaxErrorRate       int `yaml:"max_error_rate"`
		TargetDurationDays int `yaml:"target_duration_days"`
	} `yaml:"criteria"`
	Targets []string `yaml:"targets"`
}

// StepPlan declares one onboarding step template, applied in order to every
// user assigned to a phase.
type StepPlan struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

const fileName = "stageline.yml"

// Path returns the plan path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates the plan from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plan %s not found; import with sl plan import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates plan bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the plan meets required structure.
func (c *Config) Validate() error {
	if c.Deployment.ID == "" {
		return fmt.Errorf("deployment.id is required")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Phases {
		if p.ID == "" {
			return fmt.Errorf("phase %d missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate phase id %s", p.ID)
		}
		seen[p.ID] = true
		if p.Criteria.MinCompletionRate < 0 || p.Criteria.MinCompletionRate > 100 {
			return fmt.Errorf("phase %s: min_completion_rate must be 0-100", p.ID)
		}
		if p.Criteria.MaxErrorRate < 0 || p.Criteria.MaxErrorRate > 100 {
			return fmt.Errorf("phase %s: max_error_rate must be 0-100", p.ID)
		}
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("at least one onboarding step is required")
	}
	stepSeen := map[string]bool{}
	for i, s := range c.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d missing id", i)
		}
		if stepSeen[s.ID] {
			return fmt.Errorf("duplicate step id %s", s.ID)
		}
		stepSeen[s.ID] = true
	}
	return nil
}

// Default returns a minimal usable plan for the given deployment.
func Default(deploymentID string) *Config {
	cfg := &Config{}
	cfg.Deployment.ID = deploymentID
	cfg.Deployment.Name = deploymentID
	cfg.Phases = []PhasePlan{
		{ID: "pilot", Name: "Pilot"},
		{ID: "department", Name: "Department rollout"},
		{ID: "org", Name: "Organization rollout"},
	}
	for i := range cfg.Phases {
		cfg.Phases[i].Criteria.MinCompletionRate = 80
		cfg.Phases[i].Criteria.MaxErrorRate = 5
		cfg.Phases[i].Criteria.TargetDurationDays = 14
	}
	cfg.Steps = []StepPlan{
		{ID: "install", Name: "Install the sync client", Required: true},
		{ID: "configure", Name: "Connect repositories", Required: true},
		{ID: "first-sync", Name: "Run a first sync", Required: true},
		{ID: "training", Name: "Watch the intro walkthrough", Required: false},
	}
	cfg.Resilience.Retry.MaxAttempts = 3
	cfg.Resilience.Retry.InitialDelayMS = 1000
	cfg.Resilience.Retry.MaxDelayMS = 30000
	cfg.Resilience.Breaker.FailureThreshold = 10
	cfg.Resilience.Limiter.Capacity = 10
	cfg.Resilience.Limiter.RefillPerSecond = 5
	cfg.Bulk.MaxConcurrent = 4
	cfg.Notifications.Enabled = true
	return cfg
}
