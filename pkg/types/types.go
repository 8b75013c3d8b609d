// Package types contains public API types for chainscript.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// RunStatus represents the current state of a run.
type RunStatus string

const (
	StatusIdle       RunStatus = "idle"
	StatusRunning    RunStatus = "running"     // Operations are being submitted
	StatusDraining   RunStatus = "draining"    // Submission done, waiting for receipts
	StatusCompleted  RunStatus = "completed"
	StatusError      RunStatus = "error"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds receipt latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P75     float64         `json:"p75"`     // ms
	P90     float64         `json:"p90"`     // ms
	P95     float64         `json:"p95"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// RunSnapshot holds real-time run metrics. It is served by the status
// endpoint and broadcast over the WebSocket stream.
type RunSnapshot struct {
	Status             RunStatus `json:"status"`
	OperationsTotal    int       `json:"operationsTotal"`
	OperationsDone     int       `json:"operationsDone"`
	TransfersSubmitted uint64    `json:"transfersSubmitted"`
	WaitsCompleted     uint64    `json:"waitsCompleted"`
	ReceiptsReceived   uint64    `json:"receiptsReceived"`
	ReceiptTimeouts    uint64    `json:"receiptTimeouts"`
	EffectsCleared     uint64    `json:"effectsCleared"`
	Recoveries         uint64    `json:"recoveries"`
	PendingEffects     int       `json:"pendingEffects"`
	ElapsedMs          int64     `json:"elapsedMs"`
	Error              string    `json:"error,omitempty"`

	// Receipt latency statistics (send to receipt observed)
	Latency *LatencyStats `json:"latency,omitempty"`
}

// RunResult stores the final record of a completed run.
type RunResult struct {
	ID                 string        `json:"id"`
	StartedAt          time.Time     `json:"startedAt"`
	CompletedAt        time.Time     `json:"completedAt"`
	ScriptPath         string        `json:"scriptPath,omitempty"`
	OperationsTotal    int           `json:"operationsTotal"`
	TransfersSubmitted uint64        `json:"transfersSubmitted"`
	WaitsCompleted     uint64        `json:"waitsCompleted"`
	ReceiptsReceived   uint64        `json:"receiptsReceived"`
	ReceiptTimeouts    uint64        `json:"receiptTimeouts"`
	EffectsCleared     uint64        `json:"effectsCleared"`
	Recoveries         uint64        `json:"recoveries"`
	Status             RunStatus     `json:"status"`
	Error              string        `json:"error,omitempty"`
	Latency            *LatencyStats `json:"latency,omitempty"`
}
