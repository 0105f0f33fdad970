package model

import "time"

// ApiCall is one persisted record of a successful remote LLM request.
// Dedup key is ID: inserting the same ID twice must not change the row
// count in storage.
type ApiCall struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	WorkerID     string    `json:"worker_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
	IsCacheHit   bool      `json:"is_cache_hit"`
}

// Subscription tracks a quota-bearing plan (e.g. a Claude Max seat) whose
// usage FORGE meters alongside pay-per-call API spend.
type Subscription struct {
	Name               string    `json:"name"`
	QuotaTotal         float64   `json:"quota_total"`
	QuotaUsed          float64   `json:"quota_used"`
	BillingPeriodStart time.Time `json:"billing_period_start"`
	BillingPeriodEnd   time.Time `json:"billing_period_end"`
	Active             bool      `json:"active"`
}

// HourlyStats is a rollup row aggregated from ApiCall rows within one hour.
type HourlyStats struct {
	Hour         time.Time
	CallCount    int
	TotalCostUSD float64
	InputTokens  int
	OutputTokens int
}

// DailyStats is a rollup row aggregated from ApiCall rows within one day.
type DailyStats struct {
	Day          time.Time
	CallCount    int
	TotalCostUSD float64
	InputTokens  int
	OutputTokens int
}

// WorkerEfficiency is a per-worker cost/throughput rollup.
type WorkerEfficiency struct {
	WorkerID        string
	TasksCompleted  int
	TotalCostUSD    float64
	AvgCostPerTask  float64
	AvgLatencyMS    float64
}

// ModelPerformance is a per-model cost/throughput rollup.
type ModelPerformance struct {
	Model          string
	CallCount      int
	TotalCostUSD   float64
	AvgLatencyMS   float64
	CacheHitRate   float64
}

// TaskEvent is one worker's completion of one task, recorded when its
// status file's TasksCompleted counter advances. Dedup key is ID, the
// same idempotent-upsert contract ApiCall uses.
type TaskEvent struct {
	ID          string    `json:"id"`
	WorkerID    string    `json:"worker_id"`
	Model       string    `json:"model"`
	CompletedAt time.Time `json:"completed_at"`
}
