package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riskcore/engine/internal/apperr"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/metrics"
)

// Operation is the Engine Facade's in-flight record for a running public
// call, surfaced via GetOperationProgress/CancelOperation.
type Operation struct {
	ID        string
	Kind      string
	StartedAt time.Time
	Deadline  time.Time
	cancel    context.CancelFunc
}

// OperationProgress is the read-only view getOperationProgress returns.
type OperationProgress struct {
	ID        string
	Kind      string
	StartedAt time.Time
	Deadline  time.Time
	Elapsed   time.Duration
}

// TimeoutStatistics summarizes the timeout class configuration and how
// many in-flight operations currently sit in each class.
type TimeoutStatistics struct {
	OperationTimeout   time.Duration
	DatabaseTimeout    time.Duration
	IntegrityTimeout   time.Duration
	RecoveryTimeout    time.Duration
	InFlightOperations int
}

func (e *Engine) register(kind string, cancel context.CancelFunc, deadline time.Time) string {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	e.opSeq++
	id := fmt.Sprintf("op_%d_%s", e.opSeq, uuid.NewString())
	e.ops[id] = &Operation{ID: id, Kind: kind, StartedAt: time.Now().UTC(), Deadline: deadline, cancel: cancel}
	return id
}

func (e *Engine) unregister(id string) {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	delete(e.ops, id)
}

// GetOperationProgress reports every operation currently in flight.
func (e *Engine) GetOperationProgress() []OperationProgress {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()
	now := time.Now().UTC()
	out := make([]OperationProgress, 0, len(e.ops))
	for _, op := range e.ops {
		out = append(out, OperationProgress{
			ID: op.ID, Kind: op.Kind, StartedAt: op.StartedAt, Deadline: op.Deadline,
			Elapsed: now.Sub(op.StartedAt),
		})
	}
	return out
}

// CancelOperation cancels the named in-flight operation's context,
// unwinding its transaction via the Gateway's normal rollback path. It is
// a no-op, not an error, if the operation already finished.
func (e *Engine) CancelOperation(operationID string) bool {
	e.opsMu.Lock()
	op, ok := e.ops[operationID]
	e.opsMu.Unlock()
	if !ok {
		return false
	}
	op.cancel()
	return true
}

// GetTimeoutStatistics reports the configured timeout classes and current
// in-flight load.
func (e *Engine) GetTimeoutStatistics() TimeoutStatistics {
	e.opsMu.Lock()
	n := len(e.ops)
	e.opsMu.Unlock()
	return TimeoutStatistics{
		OperationTimeout:   e.cfg.Timeouts.Operation,
		DatabaseTimeout:    e.cfg.Timeouts.Database,
		IntegrityTimeout:   e.cfg.Timeouts.IntegrityCheck,
		RecoveryTimeout:    e.cfg.Timeouts.Recovery,
		InFlightOperations: n,
	}
}

// runOp wraps fn in a deadline derived from timeout, tracks it in the
// operation table for the duration of the call, and annotates any
// resulting *apperr.Error with the operation id and elapsed time before
// returning it. A timeout is reported as apperr.KindTimeout rather than
// context.DeadlineExceeded so callers never need to know the facade uses
// context internally.
func runOp[T any](e *Engine, ctx context.Context, kind string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := e.register(kind, cancel, start.Add(timeout))
	defer e.unregister(id)

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := fn(opCtx)
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		elapsed := time.Since(start)
		outcome := "success"
		if r.err != nil {
			outcome = "error"
			var ae *apperr.Error
			if asAppErr(r.err, &ae) {
				ae.WithOp(id, elapsed)
			}
		}
		metrics.RecordOperationLatency(kind, outcome, float64(elapsed.Milliseconds()))
		return r.val, r.err

	case <-opCtx.Done():
		elapsed := time.Since(start)
		metrics.RecordOperationTimeout(kind)
		metrics.RecordOperationLatency(kind, "timeout", float64(elapsed.Milliseconds()))
		e.logger.Warn("operation timed out", logging.F{"operation_id": id, "kind": kind, "elapsed_ms": elapsed.Milliseconds()})
		err := apperr.New(apperr.KindTimeout, "engine."+kind, "operation exceeded its timeout").WithOp(id, elapsed)
		return zero, err
	}
}

// asAppErr is errors.As without importing "errors" into every call site's
// type-parameter instantiation headaches; kept local since *apperr.Error
// is the only type runOp ever unwraps to.
func asAppErr(err error, target **apperr.Error) bool {
	for err != nil {
		if ae, ok := err.(*apperr.Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
