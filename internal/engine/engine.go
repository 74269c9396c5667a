// Package engine decides when a mint balance should be swept to the merchant's Lightning address
// and drives the quote, pay and confirm steps of that withdrawal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/juno-intents/autowithdraw/internal/guard"
	"github.com/juno-intents/autowithdraw/internal/idempotency"
	"github.com/juno-intents/autowithdraw/internal/ledger"
	"github.com/juno-intents/autowithdraw/internal/policy"
	"github.com/juno-intents/autowithdraw/internal/progress"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

const (
	DefaultCallTimeout = 60 * time.Second

	msgPending = "Payment pending - check back later"
	msgUnknown = "Unknown error"
)

var ErrBusy = errors.New("engine: withdrawal in progress")

type Config struct {
	// CallTimeout bounds each gateway call. Zero means DefaultCallTimeout; negative disables.
	CallTimeout time.Duration

	Now func() time.Time
}

type Engine struct {
	cfg Config

	balances BalanceSource
	gateway  PaymentGateway
	settings SettingsSource
	history  withdrawal.HistoryLog
	ledger   Ledger
	sink     progress.Sink
	guard    guard.Guard

	log *slog.Logger

	state atomic.Uint32
}

// New wires an engine. ledger and sink may be nil.
func New(cfg Config, balances BalanceSource, gateway PaymentGateway, settings SettingsSource, history withdrawal.HistoryLog, led Ledger, sink progress.Sink, log *slog.Logger) (*Engine, error) {
	if balances == nil || gateway == nil || settings == nil || history == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if sink == nil {
		sink = nopSink{}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Engine{
		cfg:      cfg,
		balances: balances,
		gateway:  gateway,
		settings: settings,
		history:  history,
		ledger:   led,
		sink:     sink,
		guard:    guard.NewLocal(),
		log:      log,
	}, nil
}

// WithGuard replaces the default in-process guard, e.g. with a guard.Lease shared by replicas.
func (e *Engine) WithGuard(g guard.Guard) *Engine {
	if g != nil {
		e.guard = g
	}
	return e
}

// State reports the phase of the current attempt, or the outcome of the last one.
func (e *Engine) State() State { return State(e.state.Load()) }

// Busy reports whether an attempt or reconcile currently holds the guard.
func (e *Engine) Busy() bool { return e.guard.Held() }

func (e *Engine) setState(s State) { e.state.Store(uint32(s)) }

// Evaluate checks every endpoint balance against its settings and withdraws from the first one
// that qualifies, trying hint first. It returns the recorded attempt, if any.
//
// Evaluate never blocks on a running attempt: when the guard is held it returns immediately.
// Failures are recorded in history and reported to the progress sink, not returned.
func (e *Engine) Evaluate(ctx context.Context, hint string) (withdrawal.Record, bool) {
	// The switch is read before the guard so a disabled engine never touches a shared lease.
	global, err := e.settings.Global(ctx)
	if err != nil {
		e.log.Error("load global settings", "err", err)
		return withdrawal.Record{}, false
	}
	if !global.Enabled {
		e.log.Debug("auto-withdraw disabled")
		return withdrawal.Record{}, false
	}

	release, ok := e.guard.Acquire(ctx)
	if !ok {
		e.log.Debug("withdrawal already in progress; skipping evaluation", "hint", hint)
		return withdrawal.Record{}, false
	}
	defer release()
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("panic during evaluation", "panic", p)
		}
	}()

	balances, err := e.balances.Balances(ctx)
	if err != nil {
		e.log.Error("load balances", "err", err)
		return withdrawal.Record{}, false
	}
	if len(balances) == 0 {
		return withdrawal.Record{}, false
	}

	for _, b := range candidates(balances, hint) {
		s, ok := e.resolve(ctx, global, b.EndpointID)
		if !ok {
			continue
		}
		if !policy.ShouldTrigger(s, b.Amount) {
			e.log.Debug("endpoint below threshold or not configured",
				"endpoint", b.EndpointID, "balance", b.Amount, "threshold", s.Threshold, "eligible", s.Eligible)
			continue
		}
		return e.execute(ctx, s, b.Amount), true
	}
	return withdrawal.Record{}, false
}

// candidates orders balances for evaluation: the hint first when present, then the rest in source
// order.
func candidates(balances []Balance, hint string) []Balance {
	out := make([]Balance, 0, len(balances))
	if hint != "" {
		for _, b := range balances {
			if b.EndpointID == hint {
				out = append(out, b)
				break
			}
		}
	}
	for _, b := range balances {
		if hint != "" && b.EndpointID == hint {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (e *Engine) resolve(ctx context.Context, global policy.GlobalSettings, endpointID string) (policy.Settings, bool) {
	o, err := e.settings.Endpoint(ctx, endpointID)
	if err != nil {
		e.log.Error("load endpoint settings", "endpoint", endpointID, "err", err)
		return policy.Settings{}, false
	}
	o.EndpointID = endpointID
	return policy.Resolve(global, o), true
}

// execute runs one withdrawal attempt. The caller holds the guard.
//
// The caller cannot cancel an attempt once it starts; only CallTimeout bounds each gateway call.
func (e *Engine) execute(ctx context.Context, s policy.Settings, balance int64) (rec withdrawal.Record) {
	ctx = context.WithoutCancel(ctx)
	endpoint := s.EndpointID
	amount := policy.WithdrawAmount(s, balance)
	rec = withdrawal.NewRecord(endpoint, s.Address, amount, e.cfg.Now())

	fail := func(msg string) {
		if msg == "" {
			msg = msgUnknown
		}
		rec.State = withdrawal.StateFailed
		rec.ErrorMessage = msg
		e.setState(StateFailed)
		e.sink.Failed(endpoint, msg)
	}

	defer func() {
		if p := recover(); p != nil {
			e.log.Error("panic during withdrawal", "endpoint", endpoint, "panic", p)
			fail(fmt.Sprintf("panic: %v", p))
		}
		if err := e.history.Append(ctx, rec); err != nil {
			e.log.Error("append withdrawal history", "id", rec.ID, "err", err)
		}
	}()

	e.log.Info("auto-withdraw triggered", "endpoint", endpoint, "balance", balance, "amount", amount, "destination", s.Address)
	e.sink.Started(endpoint, amount, s.Address)
	e.sink.Progress("Preparing", "Getting quote...")

	e.setState(StateQuoting)
	e.sink.Progress("Quote", "Getting Lightning quote...")
	quote, err := e.quote(ctx, endpoint, s.Address, amount)
	if err != nil {
		fail(err.Error())
		return rec
	}
	if quote.Amount < 0 || quote.FeeReserve < 0 {
		fail(fmt.Sprintf("invalid quote %s: negative amount or fee reserve", quote.ID))
		return rec
	}
	rec.QuoteID = quote.ID
	rec.FeeAmount = quote.FeeReserve

	if quote.Amount > math.MaxInt64-quote.FeeReserve || quote.Amount+quote.FeeReserve > balance {
		e.log.Warn("insufficient balance for quote", "endpoint", endpoint, "balance", balance, "amount", quote.Amount, "fee_reserve", quote.FeeReserve)
		fail(ErrInsufficientBalance.Error())
		return rec
	}

	entryID := e.recordPending(ctx, endpoint, amount, quote)

	e.setState(StatePaying)
	e.sink.Progress("Sending", "Sending payment...")
	if _, err := e.pay(ctx, endpoint, quote.ID); err != nil {
		fail(err.Error())
		return rec
	}

	e.setState(StateConfirming)
	st, err := e.check(ctx, endpoint, quote.ID)
	if err != nil {
		fail(err.Error())
		return rec
	}

	switch st {
	case QuotePaid:
		rec.State = withdrawal.StateCompleted
		e.markCompleted(ctx, entryID)
		e.setState(StateCompleted)
		e.log.Info("auto-withdraw completed", "endpoint", endpoint, "amount", amount, "fee", rec.FeeAmount, "quote", quote.ID)
		e.sink.Completed(endpoint, amount, rec.FeeAmount)
	case QuotePending:
		rec.State = withdrawal.StatePending
		rec.ErrorMessage = msgPending
		e.setState(StateFailedPending)
		e.sink.Progress("Pending", "Payment is pending...")
	default:
		fail(fmt.Sprintf("Payment failed: %s", st))
	}
	return rec
}

func (e *Engine) recordPending(ctx context.Context, endpoint string, amount int64, q Quote) string {
	if e.ledger == nil {
		return ""
	}
	entry, err := e.ledger.AddPending(ctx, ledger.Entry{
		ID:          idempotency.LedgerEntryIDV1(endpoint, q.ID),
		Amount:      -amount,
		Unit:        ledger.UnitSat,
		EndpointID:  endpoint,
		PaymentType: ledger.PaymentTypeLightning,
		Request:     q.Request,
		QuoteID:     q.ID,
		CreatedAt:   e.cfg.Now().UTC(),
	})
	if err != nil {
		e.log.Error("record pending ledger entry", "endpoint", endpoint, "quote", q.ID, "err", err)
		return ""
	}
	return entry.ID
}

func (e *Engine) markCompleted(ctx context.Context, entryID string) {
	if e.ledger == nil || entryID == "" {
		return
	}
	if err := e.ledger.MarkCompleted(context.WithoutCancel(ctx), entryID); err != nil {
		e.log.Error("mark ledger entry completed", "id", entryID, "err", err)
	}
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout < 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

func (e *Engine) quote(ctx context.Context, endpoint, address string, amount int64) (Quote, error) {
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	q, err := e.gateway.QuoteWithdrawal(cctx, endpoint, address, amount)
	if err != nil {
		return Quote{}, &GatewayError{Op: "quote", EndpointID: endpoint, Err: err}
	}
	return q, nil
}

func (e *Engine) pay(ctx context.Context, endpoint, quoteID string) (PayResult, error) {
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	res, err := e.gateway.Pay(cctx, endpoint, quoteID)
	if err != nil {
		return PayResult{}, &GatewayError{Op: "pay", EndpointID: endpoint, Err: err}
	}
	return res, nil
}

func (e *Engine) check(ctx context.Context, endpoint, quoteID string) (QuoteState, error) {
	cctx, cancel := e.callContext(ctx)
	defer cancel()
	st, err := e.gateway.CheckQuoteState(cctx, endpoint, quoteID)
	if err != nil {
		return "", &GatewayError{Op: "check", EndpointID: endpoint, Err: err}
	}
	return st, nil
}

type nopSink struct{}

func (nopSink) Started(string, int64, string)  {}
func (nopSink) Progress(string, string)        {}
func (nopSink) Completed(string, int64, int64) {}
func (nopSink) Failed(string, string)          {}
