package pipeline

import "time"

// Metrics holds process-wide counters for one pipeline run. They are
// reset at the start of each run and mutated only by that run; runs are
// not meant to execute concurrently against the same Service.
type Metrics struct {
	MaterialsProcessed  int
	MaterialsFailed     int
	ChunksProcessed     int
	EmbeddingsGenerated int
	FailedEmbeddings    int
	TotalTokens         int
	ProcessingTime      time.Duration
	LastRun             time.Time
}

func (m *Metrics) reset() {
	lastRun := m.LastRun
	*m = Metrics{LastRun: lastRun}
}

// RunResult is the structured summary returned by one pipeline run.
type RunResult struct {
	MaterialsProcessed  int       `json:"materialsProcessed"`
	MaterialsFailed     int       `json:"materialsFailed"`
	ChunksProcessed     int       `json:"chunksProcessed"`
	EmbeddingsGenerated int       `json:"embeddingsGenerated"`
	FailedEmbeddings    int       `json:"failedEmbeddings"`
	TotalTokens         int       `json:"totalTokens"`
	ElapsedSeconds      float64   `json:"elapsedSeconds"`
	Timestamp           time.Time `json:"timestamp"`
}

// StatsResult reports embedding coverage across the whole store.
type StatsResult struct {
	TotalMaterials             int        `json:"totalMaterials"`
	TotalChunks                int        `json:"totalChunks"`
	ChunksWithEmbeddings       int        `json:"chunksWithEmbeddings"`
	ChunksWithoutEmbeddings    int        `json:"chunksWithoutEmbeddings"`
	MaterialsFullyEmbedded     int        `json:"materialsFullyEmbedded"`
	MaterialsPartiallyEmbedded int        `json:"materialsPartiallyEmbedded"`
	CoveragePercent            float64    `json:"coveragePercent"`
	LastRun                    *time.Time `json:"lastRun,omitempty"`
}
