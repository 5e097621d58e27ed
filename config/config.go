// Package config loads the briefd configuration: defaults merged with an
// optional YAML file. Every tuning knob of the briefing core lives here so
// thresholds and weights can change without touching the algorithms.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML either as a
// human-readable string ("30s", "24h") or as integer nanoseconds.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("cannot parse %v as duration", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// RankWeights are the fixed combination weights for the five ranking
// sub-scores. They must sum to 1.0.
type RankWeights struct {
	Relevance     float64 `yaml:"relevance"`
	Urgency       float64 `yaml:"urgency"`
	Credibility   float64 `yaml:"credibility"`
	Impact        float64 `yaml:"impact"`
	Actionability float64 `yaml:"actionability"`
}

// Sum returns the total of all five weights.
func (w RankWeights) Sum() float64 {
	return w.Relevance + w.Urgency + w.Credibility + w.Impact + w.Actionability
}

// SelectionConfig holds the output caps enforced by the selector.
type SelectionConfig struct {
	GlobalCap        int `yaml:"global_cap"`         // total surfaced items per run
	ModuleHardCap    int `yaml:"module_hard_cap"`    // max items per module
	ModuleDefaultCap int `yaml:"module_default_cap"` // default visible items per module
	HighlightCap     int `yaml:"highlight_cap"`      // top highlights
}

// NoveltyConfig tunes the UPDATED-vs-REPEAT decision.
type NoveltyConfig struct {
	// SignificanceThreshold is the minimum computed delta for an UPDATED
	// label. Below it the stricter REPEAT label wins.
	SignificanceThreshold float64 `yaml:"significance_threshold"`
	// StaleAfter is the elapsed time at which the time component of the
	// delta saturates.
	StaleAfter Duration `yaml:"stale_after"`
}

// ConsolidationConfig tunes the feedback learning loop.
type ConsolidationConfig struct {
	MinBatchSize  int      `yaml:"min_batch_size"` // smaller batches are skipped, not errors
	PositiveStep  float64  `yaml:"positive_step"`
	NegativeStep  float64  `yaml:"negative_step"` // smaller than PositiveStep: slower to punish
	DecayFactor   float64  `yaml:"decay_factor"`  // applied to topics untouched by the batch
	Lookback      Duration `yaml:"lookback"`      // VIP promotion and trust sample window
	VIPThreshold  int      `yaml:"vip_threshold"` // distinct positive items naming a person
	TrustAlpha    float64  `yaml:"trust_alpha"`   // EMA weight of the observed engagement rate
	TrustMinShown int64    `yaml:"trust_min_shown"`
}

// RunConfig bounds a single briefing run.
type RunConfig struct {
	Budget Duration `yaml:"budget"` // overrun degrades, never errors
}

// RetentionConfig controls age-based pruning of memory records.
type RetentionConfig struct {
	MaxAge Duration `yaml:"max_age"`
}

// SchedulerConfig drives the background consolidation/prune loop.
type SchedulerConfig struct {
	PollInterval  Duration `yaml:"poll_interval"`
	PruneSchedule string   `yaml:"prune_schedule"` // cron expression or Go duration
}

// Config is the full briefd configuration.
type Config struct {
	DBPath        string              `yaml:"db_path"`
	RankWeights   RankWeights         `yaml:"rank_weights"`
	Selection     SelectionConfig     `yaml:"selection"`
	Novelty       NoveltyConfig       `yaml:"novelty"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Run           RunConfig           `yaml:"run"`
	Retention     RetentionConfig     `yaml:"retention"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		DBPath: "briefd.db",
		RankWeights: RankWeights{
			Relevance:     0.45,
			Urgency:       0.20,
			Credibility:   0.15,
			Impact:        0.10,
			Actionability: 0.10,
		},
		Selection: SelectionConfig{
			GlobalCap:        30,
			ModuleHardCap:    8,
			ModuleDefaultCap: 3,
			HighlightCap:     5,
		},
		Novelty: NoveltyConfig{
			SignificanceThreshold: 0.30,
			StaleAfter:            Duration(7 * 24 * time.Hour),
		},
		Consolidation: ConsolidationConfig{
			MinBatchSize:  5,
			PositiveStep:  0.10,
			NegativeStep:  0.05,
			DecayFactor:   0.99,
			Lookback:      Duration(30 * 24 * time.Hour),
			VIPThreshold:  3,
			TrustAlpha:    0.30,
			TrustMinShown: 5,
		},
		Run: RunConfig{
			Budget: Duration(30 * time.Second),
		},
		Retention: RetentionConfig{
			MaxAge: Duration(180 * 24 * time.Hour),
		},
		Scheduler: SchedulerConfig{
			PollInterval:  Duration(time.Minute),
			PruneSchedule: "@daily",
		},
	}
}

// Path returns the config file path, honoring BRIEFD_CONFIG_PATH.
func Path() string {
	if envPath := os.Getenv("BRIEFD_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.briefd/config.yaml"
	}
	return filepath.Join(homeDir, ".briefd", "config.yaml")
}

// Load reads the YAML config at path and merges it over the defaults. A
// missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		raw, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional config file read
		if err != nil {
			return nil, fmt.Errorf("read config file %q: %w", expandedPath, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config file %q: %w", expandedPath, err)
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if math.Abs(c.RankWeights.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("rank weights must sum to 1.0, got %.4f", c.RankWeights.Sum())
	}
	if c.Novelty.SignificanceThreshold < 0 || c.Novelty.SignificanceThreshold > 1 {
		return fmt.Errorf("novelty significance threshold must be in [0,1], got %.4f", c.Novelty.SignificanceThreshold)
	}
	if c.Consolidation.PositiveStep <= 0 || c.Consolidation.NegativeStep <= 0 {
		return fmt.Errorf("consolidation steps must be positive")
	}
	if c.Consolidation.DecayFactor <= 0 || c.Consolidation.DecayFactor > 1 {
		return fmt.Errorf("decay factor must be in (0,1], got %.4f", c.Consolidation.DecayFactor)
	}
	if c.Selection.GlobalCap <= 0 || c.Selection.ModuleHardCap <= 0 || c.Selection.HighlightCap <= 0 {
		return fmt.Errorf("selection caps must be positive")
	}
	if c.Run.Budget <= 0 {
		return fmt.Errorf("run budget must be positive")
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
