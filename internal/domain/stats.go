package domain

import "time"

// StageCounters holds the counters observed for one (source, stage) pair.
type StageCounters struct {
	Total       int64 `json:"total"`
	RecentCount int64 `json:"recent_count"`
}

// TrainingReadiness is the global state the train trigger is evaluated on.
type TrainingReadiness struct {
	ReadyCount        int64      `json:"ready_count"`
	LastTrainingStart *time.Time `json:"last_training_start,omitempty"`
}

// SourceStats is the per-source section of a SystemStats snapshot.
type SourceStats struct {
	Scraped       StageCounters `json:"scraped"`
	Processed     StageCounters `json:"processed"`
	TrainingReady int64         `json:"training_ready"`
	AvgQuality    float64       `json:"avg_quality"`
	Error         string        `json:"error,omitempty"`
}

// SystemStats is the aggregate snapshot taken at the start of each monitoring cycle.
type SystemStats struct {
	Sources   map[string]SourceStats `json:"sources"`
	Readiness TrainingReadiness      `json:"readiness"`
	Window    time.Duration          `json:"window"`
	Timestamp time.Time              `json:"timestamp"`
}
