// Package runner executes a script against a chain and tracks the
// confirmation of every submitted transfer.
//
// A Run has two concurrent activities: sequential submission of the
// script's operations, and a tracker that polls for receipts of the
// pending effects submission leaves behind. They share state behind a
// single RWMutex: the pending-effect FIFO, the submission-done flag and
// the chain-client handle. When a receipt stays missing past the
// timeout, the tracker discards every pending effect and installs a
// freshly built handle under one exclusive lock, so submission never
// observes a half-recovered state.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/chainscript/internal/chain"
	"github.com/gateway-fm/chainscript/internal/metrics"
	"github.com/gateway-fm/chainscript/internal/script"
	"github.com/gateway-fm/chainscript/pkg/types"
)

// HandleFactory builds a chain-client handle with a freshly synced
// nonce allocator. It is called once at start and again on every
// recovery.
type HandleFactory func(ctx context.Context) (*chain.Handle, error)

// Config holds runner tuning knobs. Zero values get defaults.
type Config struct {
	ReceiptTimeout time.Duration // give up on a receipt after this (default 90s)
	PollBackoff    time.Duration // pause between receipt polls (default 1s)
	IdleBackoff    time.Duration // pause when the pending queue is empty (default 5s)

	Logger  *slog.Logger
	Metrics *metrics.PrometheusMetrics
	Latency *metrics.StreamingLatencyStats
}

const (
	defaultReceiptTimeout = 90 * time.Second
	defaultPollBackoff    = time.Second
	defaultIdleBackoff    = 5 * time.Second
)

// Run executes one script once.
type Run struct {
	script    script.Script
	newHandle HandleFactory

	receiptTimeout time.Duration
	pollBackoff    time.Duration
	idleBackoff    time.Duration

	logger  *slog.Logger
	metrics *metrics.PrometheusMetrics
	latency *metrics.StreamingLatencyStats

	mu         sync.RWMutex
	handle     *chain.Handle
	pending    []script.Effect // FIFO, head at index 0
	submitDone bool
	status     types.RunStatus
	startedAt  time.Time

	opsDone            int
	transfersSubmitted uint64
	waitsCompleted     uint64
	receiptsReceived   uint64
	receiptTimeouts    uint64
	effectsCleared     uint64
	recoveries         uint64
}

// NewRun creates a run for the given script. The handle factory is
// invoked lazily by Start.
func NewRun(s script.Script, newHandle HandleFactory, cfg Config) *Run {
	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.PollBackoff == 0 {
		cfg.PollBackoff = defaultPollBackoff
	}
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = defaultIdleBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Latency == nil {
		cfg.Latency = metrics.NewStreamingLatencyStats()
	}

	return &Run{
		script:         s,
		newHandle:      newHandle,
		receiptTimeout: cfg.ReceiptTimeout,
		pollBackoff:    cfg.PollBackoff,
		idleBackoff:    cfg.IdleBackoff,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		latency:        cfg.Latency,
		status:         types.StatusIdle,
	}
}

// Start builds the initial handle and runs submission and tracking
// concurrently. It returns when every submitted effect is confirmed,
// or with the first fatal error.
func (r *Run) Start(ctx context.Context) error {
	handle, err := r.newHandle(ctx)
	if err != nil {
		r.setStatus(types.StatusError)
		return fmt.Errorf("failed to build chain handle: %w", err)
	}

	r.mu.Lock()
	r.handle = handle
	r.status = types.StatusRunning
	r.startedAt = time.Now()
	r.mu.Unlock()
	r.setStatusMetric(types.StatusRunning)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		errMu     sync.Mutex
		firstErr  error
		recordErr = func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			errMu.Unlock()
			cancel()
		}
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		recordErr(r.SubmitOperations(ctx))
	}()
	go func() {
		defer wg.Done()
		recordErr(r.TrackEffects(ctx))
	}()
	wg.Wait()

	errMu.Lock()
	err = firstErr
	errMu.Unlock()

	if err != nil {
		r.setStatus(types.StatusError)
		return err
	}
	r.setStatus(types.StatusCompleted)
	return nil
}

// SubmitOperations executes the script's operations sequentially, in
// order, each exactly once. Transfers enqueue a pending effect at the
// queue tail; the done flag is set only after the last operation.
func (r *Run) SubmitOperations(ctx context.Context) error {
	total := len(r.script)
	for i, op := range r.script {
		r.logger.Info("submitting operation",
			slog.Int("index", i+1),
			slog.Int("total", total),
			slog.String("kind", string(op.Kind)),
		)

		effect, err := r.executeOperation(ctx, op)
		if err != nil {
			return fmt.Errorf("operation %d/%d failed: %w", i+1, total, err)
		}
		if effect != nil {
			r.pushEffect(*effect)
		}

		r.mu.Lock()
		r.opsDone++
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.submitDone = true
	r.status = types.StatusDraining
	r.mu.Unlock()
	r.setStatusMetric(types.StatusDraining)

	r.logger.Info("all operations submitted", slog.Int("total", total))
	return nil
}

// executeOperation performs one operation. A transfer returns its
// pending effect; a wait returns nil after sleeping.
func (r *Run) executeOperation(ctx context.Context, op script.Operation) (*script.Effect, error) {
	switch op.Kind {
	case script.KindTransfer:
		handle := r.currentHandle()
		txHash, err := handle.SubmitTransfer(ctx, op.Transfer.To, op.Transfer.Amount)
		if err != nil {
			return nil, err
		}

		r.logger.Debug("transfer submitted",
			slog.String("txHash", txHash.Hex()),
			slog.String("to", op.Transfer.To.Hex()),
			slog.Uint64("amount", op.Transfer.Amount),
		)
		if r.metrics != nil {
			r.metrics.RecordOperation("transfer")
		}
		r.mu.Lock()
		r.transfersSubmitted++
		r.mu.Unlock()

		return &script.Effect{
			Transfer:    op.Transfer,
			TxHash:      txHash,
			SubmittedAt: time.Now(),
		}, nil

	case script.KindWait:
		if err := sleep(ctx, op.Wait); err != nil {
			return nil, err
		}

		r.logger.Debug("wait completed", slog.Duration("duration", op.Wait))
		if r.metrics != nil {
			r.metrics.RecordOperation("wait")
		}
		r.mu.Lock()
		r.waitsCompleted++
		r.mu.Unlock()

		return nil, nil

	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (r *Run) currentHandle() *chain.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handle
}

func (r *Run) pushEffect(effect script.Effect) {
	r.mu.Lock()
	r.pending = append(r.pending, effect)
	n := len(r.pending)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetPendingEffects(n)
	}
}

func (r *Run) setStatus(status types.RunStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	r.setStatusMetric(status)
}

func (r *Run) setStatusMetric(status types.RunStatus) {
	if r.metrics != nil {
		r.metrics.SetRunStatus(string(status))
	}
}

// sleep blocks for d or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Snapshot returns the current run state for the status surfaces.
func (r *Run) Snapshot() types.RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var elapsed int64
	if !r.startedAt.IsZero() {
		elapsed = time.Since(r.startedAt).Milliseconds()
	}

	return types.RunSnapshot{
		Status:             r.status,
		OperationsTotal:    len(r.script),
		OperationsDone:     r.opsDone,
		TransfersSubmitted: r.transfersSubmitted,
		WaitsCompleted:     r.waitsCompleted,
		ReceiptsReceived:   r.receiptsReceived,
		ReceiptTimeouts:    r.receiptTimeouts,
		EffectsCleared:     r.effectsCleared,
		Recoveries:         r.recoveries,
		PendingEffects:     len(r.pending),
		ElapsedMs:          elapsed,
		Latency:            r.latency.GetStats(),
	}
}

// Result assembles the final record of the run for persistence.
func (r *Run) Result(id string, scriptPath string, runErr error) types.RunResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := types.RunResult{
		ID:                 id,
		StartedAt:          r.startedAt,
		CompletedAt:        time.Now(),
		ScriptPath:         scriptPath,
		OperationsTotal:    len(r.script),
		TransfersSubmitted: r.transfersSubmitted,
		WaitsCompleted:     r.waitsCompleted,
		ReceiptsReceived:   r.receiptsReceived,
		ReceiptTimeouts:    r.receiptTimeouts,
		EffectsCleared:     r.effectsCleared,
		Recoveries:         r.recoveries,
		Status:             r.status,
		Latency:            r.latency.GetStats(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	return result
}
