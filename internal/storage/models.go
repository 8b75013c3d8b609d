package storage

import (
	"time"

	"github.com/gateway-fm/chainscript/pkg/types"
)

// RunRecord is the stored form of one script run.
type RunRecord struct {
	ID          string          `json:"id"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	ScriptPath  string          `json:"scriptPath,omitempty"`
	Status      types.RunStatus `json:"status"`

	OperationsTotal    int    `json:"operationsTotal"`
	TransfersSubmitted uint64 `json:"transfersSubmitted"`
	WaitsCompleted     uint64 `json:"waitsCompleted"`
	ReceiptsReceived   uint64 `json:"receiptsReceived"`
	ReceiptTimeouts    uint64 `json:"receiptTimeouts"`
	EffectsCleared     uint64 `json:"effectsCleared"`
	Recoveries         uint64 `json:"recoveries"`

	ErrorMessage string              `json:"errorMessage,omitempty"`
	Latency      *types.LatencyStats `json:"latency,omitempty"`
}

// PaginatedRuns is a page of run records.
type PaginatedRuns struct {
	Runs   []*RunRecord `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// RecordFromResult converts a finished run result into its stored form.
func RecordFromResult(result types.RunResult) *RunRecord {
	completed := result.CompletedAt
	return &RunRecord{
		ID:                 result.ID,
		StartedAt:          result.StartedAt,
		CompletedAt:        &completed,
		ScriptPath:         result.ScriptPath,
		Status:             result.Status,
		OperationsTotal:    result.OperationsTotal,
		TransfersSubmitted: result.TransfersSubmitted,
		WaitsCompleted:     result.WaitsCompleted,
		ReceiptsReceived:   result.ReceiptsReceived,
		ReceiptTimeouts:    result.ReceiptTimeouts,
		EffectsCleared:     result.EffectsCleared,
		Recoveries:         result.Recoveries,
		ErrorMessage:       result.Error,
		Latency:            result.Latency,
	}
}
