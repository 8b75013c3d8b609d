package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/chainscript/internal/script"
)

// TrackEffects polls the chain until every pending effect is confirmed
// and submission has finished. The head effect is polled each cycle:
// a receipt clears it, a missing receipt under the timeout requeues it
// at the tail, and a missing receipt past the timeout triggers
// recovery — all pending effects are discarded and a fresh handle is
// installed under one exclusive lock. A failed receipt query aborts
// the run.
func (r *Run) TrackEffects(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.logger.Debug("num_pending_effects", slog.Int("count", r.pendingLen()))

		effect, ok, done := r.headEffect()
		if !ok {
			if done {
				r.logger.Info("all effects completed")
				return nil
			}
			// Submission is still producing effects; check back later.
			if err := sleep(ctx, r.idleBackoff); err != nil {
				return err
			}
			continue
		}

		handle := r.currentHandle()
		receipt, err := handle.Receipt(ctx, effect.TxHash)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The rpc client already retried transient failures; an error
			// surfacing here means the endpoint is gone and the run
			// cannot make progress.
			return fmt.Errorf("receipt query for %s failed: %w", effect.TxHash.Hex(), err)
		}

		if receipt != nil {
			elapsed := time.Since(effect.SubmittedAt)
			r.logger.Info("receive_receipt",
				slog.String("txHash", effect.TxHash.Hex()),
				slog.Uint64("blockNumber", receipt.BlockNumber),
				slog.Uint64("status", receipt.Status),
				slog.Duration("elapsed", elapsed),
			)
			r.confirmHead(effect, elapsed)
			continue
		}

		waited := time.Since(effect.SubmittedAt)
		if waited > r.receiptTimeout {
			r.logger.Warn("receipt_timeout",
				slog.String("txHash", effect.TxHash.Hex()),
				slog.Duration("waited", waited),
			)
			if err := r.recover(ctx); err != nil {
				return err
			}
			continue
		}

		r.logger.Debug("wait_receipt",
			slog.String("txHash", effect.TxHash.Hex()),
			slog.Duration("waited", waited),
		)
		r.requeueHead(effect)
		if err := sleep(ctx, r.pollBackoff); err != nil {
			return err
		}
	}
}

// headEffect peeks the queue head. ok reports whether an effect is
// available; done reports whether submission has finished (meaningful
// only when ok is false).
func (r *Run) headEffect() (effect script.Effect, ok, done bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.pending) > 0 {
		return r.pending[0], true, false
	}
	return script.Effect{}, false, r.submitDone
}

func (r *Run) pendingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// confirmHead drops the confirmed effect and records its latency.
// The head may have changed if recovery drained the queue between the
// peek and now; confirming is then a no-op for the queue.
func (r *Run) confirmHead(effect script.Effect, elapsed time.Duration) {
	r.mu.Lock()
	if len(r.pending) > 0 && r.pending[0].TxHash == effect.TxHash {
		r.pending = r.pending[1:]
	}
	r.receiptsReceived++
	n := len(r.pending)
	r.mu.Unlock()

	r.latency.Add(float64(elapsed.Milliseconds()))
	if r.metrics != nil {
		r.metrics.RecordReceipt(elapsed.Seconds())
		r.metrics.SetPendingEffects(n)
	}
}

// requeueHead moves the still-unconfirmed head to the tail so every
// pending effect gets polled in turn.
func (r *Run) requeueHead(effect script.Effect) {
	r.mu.Lock()
	if len(r.pending) > 0 && r.pending[0].TxHash == effect.TxHash {
		r.pending = append(r.pending[1:], effect)
	}
	r.mu.Unlock()
}

// recover discards every pending effect and installs a freshly built
// handle. The write lock is held across the whole sequence, including
// the handle construction, so submission either sees the old handle
// with the old queue or the new handle with an empty queue.
func (r *Run) recover(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, effect := range r.pending {
		r.logger.Info("effect_clear", slog.String("txHash", effect.TxHash.Hex()))
	}
	cleared := len(r.pending)
	r.pending = nil
	r.receiptTimeouts++
	r.effectsCleared += uint64(cleared)
	r.recoveries++

	handle, err := r.newHandle(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild chain handle: %w", err)
	}
	r.handle = handle

	r.logger.Info("chain handle rebuilt",
		slog.Int("effectsCleared", cleared),
		slog.Uint64("nextNonce", handle.NextNonce()),
	)
	if r.metrics != nil {
		r.metrics.RecordReceiptTimeout()
		r.metrics.RecordRecovery(cleared)
		r.metrics.SetPendingEffects(0)
	}
	return nil
}
