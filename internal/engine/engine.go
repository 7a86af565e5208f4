// Package engine is the Engine Facade: the single composition root that
// constructs and wires every other component, wraps each public operation
// in a configured timeout with cooperative cancellation, and tracks
// in-flight operations for progress/cancellation queries.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/govalues/decimal"
	goredis "github.com/redis/go-redis/v9"

	"github.com/riskcore/engine/internal/config"
	"github.com/riskcore/engine/internal/events"
	"github.com/riskcore/engine/internal/execution"
	"github.com/riskcore/engine/internal/integrity"
	"github.com/riskcore/engine/internal/ledger"
	"github.com/riskcore/engine/internal/liquidation"
	"github.com/riskcore/engine/internal/logging"
	"github.com/riskcore/engine/internal/pnl"
	"github.com/riskcore/engine/internal/poslock"
	"github.com/riskcore/engine/internal/position"
	"github.com/riskcore/engine/internal/retention"
	"github.com/riskcore/engine/internal/sltp"
	"github.com/riskcore/engine/internal/store"
	"github.com/riskcore/engine/internal/ws"
)

// Engine is the Engine Facade.
type Engine struct {
	cfg     *config.Config
	logger  *logging.Logger
	gateway store.Gateway
	hub     *ws.Hub

	events           *events.Store
	machine          *position.Machine
	execTracker      *execution.Tracker
	pnlEngine        *pnl.Engine
	riskLedger       *ledger.Ledger
	sltpMonitor      *sltp.Monitor
	liqEngine        *liquidation.Engine
	integritySvc     *integrity.Service
	retentionSweeper *retention.Sweeper
	locks            *poslock.Locks

	opsMu sync.Mutex
	ops   map[string]*Operation
	opSeq uint64

	monitorMu       sync.Mutex
	sltpCancel      context.CancelFunc
	marginCancel    context.CancelFunc
	retentionCancel context.CancelFunc
	runWG           sync.WaitGroup
}

// floatToDecimal converts a configuration float (margin-call/liquidation
// ratios, slippage/fee percentages) to an exact decimal.Decimal via its
// shortest textual representation — configuration values are small,
// human-authored constants, never derived from arithmetic, so this never
// loses precision in practice.
func floatToDecimal(f float64) decimal.Decimal {
	d, err := decimal.Parse(strconv.FormatFloat(f, 'f', -1, 64))
	if err != nil {
		panic(fmt.Sprintf("engine: invalid configuration decimal %v: %v", f, err))
	}
	return d
}

// New constructs the Engine and every component it owns. hub may be nil —
// the WebSocket event stream is an optional outbound surface.
func New(cfg *config.Config, gateway store.Gateway, logger *logging.Logger, hub *ws.Hub) *Engine {
	eventStore := events.New()
	riskLedger := ledger.New(
		cfg.MaxLeverage,
		ledger.LeveragePolicy(cfg.LeveragePolicy),
		floatToDecimal(cfg.MarginCallLevel),
		floatToDecimal(cfg.LiquidationLevel),
	)
	machine := position.New(eventStore, riskLedger)
	execTracker := execution.New(eventStore, machine, riskLedger, floatToDecimal(cfg.CommissionRate))
	pnlEngine := pnl.New(eventStore, riskLedger)
	integritySvc := integrity.New(gateway, eventStore)
	locks := poslock.New()

	rehydrateInterval := time.Duration(cfg.Monitoring.IntervalMs) * time.Millisecond
	sltpMonitor := sltp.New(gateway, eventStore, execTracker, nil, rehydrateInterval, logger, locks)
	liqEngine := liquidation.New(
		gateway, riskLedger, execTracker,
		floatToDecimal(cfg.Monitoring.MaxSlippagePercent),
		floatToDecimal(cfg.Monitoring.LiquidationFeePercent),
		rehydrateInterval,
		logger,
		locks,
	)
	retentionSweeper := retention.New(
		gateway, machine,
		cfg.Retention.Window, cfg.Retention.SweepInterval,
		logger, locks,
	)

	return &Engine{
		cfg:              cfg,
		logger:           logger.With("engine"),
		gateway:          gateway,
		hub:              hub,
		events:           eventStore,
		machine:          machine,
		execTracker:      execTracker,
		pnlEngine:        pnlEngine,
		riskLedger:       riskLedger,
		sltpMonitor:      sltpMonitor,
		liqEngine:        liqEngine,
		integritySvc:     integritySvc,
		retentionSweeper: retentionSweeper,
		locks:            locks,
		ops:              make(map[string]*Operation),
	}
}

// SetSLTPRedis rebuilds the SL/TP Monitor with a Redis write-through
// mirror attached. Must be called before Initialize — cmd/engine connects
// Redis after constructing the Engine but before starting it.
func (e *Engine) SetSLTPRedis(redisClient *goredis.Client) {
	rehydrateInterval := time.Duration(e.cfg.Monitoring.IntervalMs) * time.Millisecond
	e.sltpMonitor = sltp.New(e.gateway, e.events, e.execTracker, redisClient, rehydrateInterval, e.logger, e.locks)
}

// Initialize rehydrates the SL/TP watch list from persisted OPEN
// positions, starts the monitoring tickers, and runs a startup integrity
// probe. Integrity violations never fail startup: the probe's report is
// returned with a nil error. A rehydration failure, or a probe that cannot
// run, is returned as an error with a nil report.
func (e *Engine) Initialize(ctx context.Context) (*integrity.Report, error) {
	_, err := runOp(e, ctx, "initialize", e.cfg.Timeouts.Recovery, func(ctx context.Context) (struct{}, error) {
		if err := e.sltpMonitor.Rehydrate(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}

	e.StartSLTPMonitoring()
	e.StartMarginMonitoring()

	e.monitorMu.Lock()
	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	e.retentionCancel = retentionCancel
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.retentionSweeper.Run(retentionCtx)
	}()
	e.monitorMu.Unlock()

	report, auditErr := e.integritySvc.FullAudit(ctx)
	if auditErr != nil {
		e.logger.Error("startup integrity probe failed", logging.F{"error": auditErr.Error()})
		return nil, auditErr
	}
	if !report.OK() {
		e.logger.Warn("startup integrity probe found violations", logging.F{"count": len(report.Violations)})
	} else {
		e.logger.Info("startup integrity probe clean", nil)
	}
	return report, nil
}

// StartSLTPMonitoring starts the SL/TP rehydration/evaluation loop if it
// is not already running. Idempotent: a second call while the loop is
// live is a no-op.
func (e *Engine) StartSLTPMonitoring() {
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.sltpCancel != nil {
		return
	}
	sltpCtx, cancel := context.WithCancel(context.Background())
	e.sltpCancel = cancel
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.sltpMonitor.Run(sltpCtx)
	}()
}

// StartMarginMonitoring starts the margin/liquidation sweep ticker if it
// is not already running. Idempotent.
func (e *Engine) StartMarginMonitoring() {
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.marginCancel != nil {
		return
	}
	marginCtx, cancel := context.WithCancel(context.Background())
	e.marginCancel = cancel
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.liqEngine.Run(marginCtx)
	}()
}

// StopMarginMonitoring cancels the margin/liquidation sweep ticker
// without touching the SL/TP or retention loops. Idempotent: a second
// call after the loop has already stopped is a no-op.
func (e *Engine) StopMarginMonitoring() {
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.marginCancel != nil {
		e.marginCancel()
		e.marginCancel = nil
	}
}

// Shutdown stops the monitoring tickers and waits, up to ctx's deadline,
// for their loops (and any transaction a loop has in flight) to return.
// Operations running through the facade's public methods are not awaited.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.monitorMu.Lock()
	if e.sltpCancel != nil {
		e.sltpCancel()
		e.sltpCancel = nil
	}
	if e.marginCancel != nil {
		e.marginCancel()
		e.marginCancel = nil
	}
	if e.retentionCancel != nil {
		e.retentionCancel()
		e.retentionCancel = nil
	}
	e.monitorMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.runWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("shutdown deadline exceeded waiting for monitoring loops", nil)
		return ctx.Err()
	}
}
