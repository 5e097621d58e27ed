package runner

import (
	"time"

	"github.com/tidewater/briefd/novelty"
	"github.com/tidewater/briefd/rank"
)

// RunStatus is the run state machine's terminal (and transient) states.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunOK       RunStatus = "ok"
	RunDegraded RunStatus = "degraded"
	RunError    RunStatus = "error"
)

// ModuleStatus is the per-source outcome within one run.
type ModuleStatus string

const (
	ModuleOK       ModuleStatus = "ok"
	ModuleDegraded ModuleStatus = "degraded"
	ModuleError    ModuleStatus = "error"
	ModuleSkipped  ModuleStatus = "skipped"
)

// EvidenceRef points the presentation layer back at the underlying item so a
// "why shown" explanation can always be rendered. The core populates this
// for every surfaced item, never leaving provenance implicit.
type EvidenceRef struct {
	Source   string `json:"source"`
	Type     string `json:"type"`
	SourceID string `json:"source_id,omitempty"`
	URL      string `json:"url,omitempty"`
}

// BundleItem is one surfaced item with everything the presentation layer
// needs: novelty label and reason, all five sub-scores plus the final score,
// and provenance.
type BundleItem struct {
	Fingerprint string        `json:"fingerprint"`
	Title       string        `json:"title"`
	Source      string        `json:"source"`
	Type        string        `json:"type"`
	URL         string        `json:"url,omitempty"`
	Label       novelty.Label `json:"label"`
	Reason      string        `json:"reason,omitempty"`
	Scores      rank.Result   `json:"scores"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
	Evidence    []EvidenceRef `json:"evidence"`
}

// ModuleResult is one source module's slice of the bundle.
type ModuleResult struct {
	Source       string       `json:"source"`
	Status       ModuleStatus `json:"status"`
	NewCount     int          `json:"new_count"`
	UpdatedCount int          `json:"updated_count"`
	Items        []BundleItem `json:"items"`
	VisibleCount int          `json:"visible_count"`
}

// Bundle is the ordered output of one briefing run.
type Bundle struct {
	RunID       string         `json:"run_id"`
	UserID      string         `json:"user_id"`
	Status      RunStatus      `json:"status"`
	GeneratedAt time.Time      `json:"generated_at"`
	Latency     time.Duration  `json:"latency"`
	Warnings    []string       `json:"warnings,omitempty"`
	Highlights  []BundleItem   `json:"top_highlights"`
	Modules     []ModuleResult `json:"modules"`
}
