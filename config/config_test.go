package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.RankWeights != def.RankWeights {
		t.Errorf("rank weights = %+v, want defaults", cfg.RankWeights)
	}
	if cfg.Selection != def.Selection {
		t.Errorf("selection = %+v, want defaults", cfg.Selection)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
db_path: /tmp/test-briefd.db
selection:
  global_cap: 10
novelty:
  significance_threshold: 0.5
consolidation:
  min_batch_size: 10
run:
  budget: 45s
retention:
  max_age: 2160h
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/test-briefd.db" {
		t.Errorf("db_path = %q", cfg.DBPath)
	}
	if cfg.Selection.GlobalCap != 10 {
		t.Errorf("global_cap = %d, want 10", cfg.Selection.GlobalCap)
	}
	if cfg.Novelty.SignificanceThreshold != 0.5 {
		t.Errorf("significance_threshold = %v, want 0.5", cfg.Novelty.SignificanceThreshold)
	}
	if cfg.Consolidation.MinBatchSize != 10 {
		t.Errorf("min_batch_size = %d, want 10", cfg.Consolidation.MinBatchSize)
	}
	if cfg.Run.Budget.Duration() != 45*time.Second {
		t.Errorf("run budget = %v, want 45s", cfg.Run.Budget.Duration())
	}
	if cfg.Retention.MaxAge.Duration() != 90*24*time.Hour {
		t.Errorf("retention max_age = %v, want 2160h", cfg.Retention.MaxAge.Duration())
	}
	// Untouched sections keep their defaults.
	if cfg.Selection.ModuleHardCap != Default().Selection.ModuleHardCap {
		t.Errorf("module_hard_cap = %d, want default", cfg.Selection.ModuleHardCap)
	}
	if cfg.Scheduler.PollInterval != Default().Scheduler.PollInterval {
		t.Errorf("poll_interval = %v, want default", cfg.Scheduler.PollInterval.Duration())
	}
}

func TestDuration_UnmarshalForms(t *testing.T) {
	var out struct {
		Human   Duration `yaml:"human"`
		Nanos   Duration `yaml:"nanos"`
		Invalid Duration `yaml:"invalid"`
	}
	if err := yaml.Unmarshal([]byte("human: 1h30m\nnanos: 90000000000\n"), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Human.Duration() != 90*time.Minute {
		t.Errorf("human = %v, want 1h30m", out.Human.Duration())
	}
	if out.Nanos.Duration() != 90*time.Second {
		t.Errorf("nanos = %v, want 90s", out.Nanos.Duration())
	}
	if err := yaml.Unmarshal([]byte("invalid: soon\n"), &out); err == nil {
		t.Errorf("expected rejection of unparsable duration")
	}
}

func TestLoad_RejectsBadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
rank_weights:
  relevance: 0.9
  urgency: 0.9
  credibility: 0.1
  impact: 0.05
  actionability: 0.05
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected rejection of weights not summing to 1.0")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Novelty.SignificanceThreshold = 1.5 }},
		{"zero positive step", func(c *Config) { c.Consolidation.PositiveStep = 0 }},
		{"decay factor above one", func(c *Config) { c.Consolidation.DecayFactor = 1.1 }},
		{"zero global cap", func(c *Config) { c.Selection.GlobalCap = 0 }},
		{"zero budget", func(c *Config) { c.Run.Budget = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestRankWeights_Sum(t *testing.T) {
	w := RankWeights{Relevance: 0.5, Urgency: 0.25, Credibility: 0.125, Impact: 0.0625, Actionability: 0.0625}
	if got := w.Sum(); got != 1.0 {
		t.Fatalf("sum = %v, want 1.0", got)
	}
}

func TestDefault_ReferenceValues(t *testing.T) {
	cfg := Default()
	if cfg.Novelty.StaleAfter.Duration() != 7*24*time.Hour {
		t.Errorf("stale_after = %v", cfg.Novelty.StaleAfter.Duration())
	}
	if cfg.Consolidation.Lookback.Duration() != 30*24*time.Hour {
		t.Errorf("lookback = %v", cfg.Consolidation.Lookback.Duration())
	}
	if cfg.Retention.MaxAge.Duration() != 180*24*time.Hour {
		t.Errorf("retention max_age = %v", cfg.Retention.MaxAge.Duration())
	}
}
