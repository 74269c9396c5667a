package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/juno-intents/autowithdraw/internal/idempotency"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

// ReconcileResult counts what a Reconcile pass did with pending records.
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Reconcile re-checks every pending history record that has a quote and settles it once the mint
// reports a final state. It shares the single-flight guard with Evaluate and returns ErrBusy when
// an attempt is running.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	release, ok := e.guard.Acquire(ctx)
	if !ok {
		return ReconcileResult{}, ErrBusy
	}
	defer release()

	records, err := e.history.List(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("engine: list history: %w", err)
	}

	var res ReconcileResult
	for _, r := range records {
		if r.State != withdrawal.StatePending || r.QuoteID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		st, err := e.check(ctx, r.EndpointID, r.QuoteID)
		if err != nil {
			e.log.Warn("reconcile: check quote", "id", r.ID, "quote", r.QuoteID, "err", err)
			res.Pending++
			continue
		}

		switch st {
		case QuotePending:
			res.Pending++
			continue
		case QuotePaid:
			r.State = withdrawal.StateCompleted
			r.ErrorMessage = ""
		default:
			r.State = withdrawal.StateFailed
			r.ErrorMessage = fmt.Sprintf("Payment failed: %s", st)
		}

		if err := e.history.Update(ctx, r); err != nil {
			if errors.Is(err, withdrawal.ErrNotFound) || errors.Is(err, withdrawal.ErrImmutable) {
				e.log.Info("reconcile: record changed underneath", "id", r.ID, "err", err)
			} else {
				e.log.Error("reconcile: update history", "id", r.ID, "err", err)
			}
			continue
		}

		if r.State == withdrawal.StateCompleted {
			res.Completed++
			e.markCompleted(ctx, idempotency.LedgerEntryIDV1(r.EndpointID, r.QuoteID))
			e.sink.Completed(r.EndpointID, r.RequestedAmount, r.FeeAmount)
		} else {
			res.Failed++
			e.sink.Failed(r.EndpointID, r.ErrorMessage)
		}
		e.log.Info("reconciled withdrawal", "id", r.ID, "quote", r.QuoteID, "state", r.State)
	}
	return res, nil
}
