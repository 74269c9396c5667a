package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juno-intents/autowithdraw/internal/guard"
	"github.com/juno-intents/autowithdraw/internal/idempotency"
	"github.com/juno-intents/autowithdraw/internal/ledger"
	"github.com/juno-intents/autowithdraw/internal/policy"
	"github.com/juno-intents/autowithdraw/internal/settings"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

var fixedNow = time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)

const (
	mintA = "https://a.mint.example"
	mintB = "https://b.mint.example"
	addr  = "merchant@example.com"
)

type stubBalances struct {
	calls    atomic.Int32
	balances []Balance
	err      error
}

func (s *stubBalances) Balances(context.Context) ([]Balance, error) {
	s.calls.Add(1)
	return s.balances, s.err
}

type stubGateway struct {
	mu sync.Mutex

	quoteCalls []string
	payCalls   []string
	checkCalls []string

	quoteFn func(ctx context.Context, endpointID string, amount int64) (Quote, error)
	payFn   func(ctx context.Context, quoteID string) (PayResult, error)
	payErr  error
	state   QuoteState
	states  map[string]QuoteState
}

func (g *stubGateway) QuoteWithdrawal(ctx context.Context, endpointID, _ string, amount int64) (Quote, error) {
	g.mu.Lock()
	g.quoteCalls = append(g.quoteCalls, endpointID)
	fn := g.quoteFn
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, endpointID, amount)
	}
	return Quote{ID: "q-" + endpointID, Amount: amount, FeeReserve: 10, Request: "lnbc1..."}, nil
}

func (g *stubGateway) Pay(ctx context.Context, _ string, quoteID string) (PayResult, error) {
	g.mu.Lock()
	g.payCalls = append(g.payCalls, quoteID)
	fn, err := g.payFn, g.payErr
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, quoteID)
	}
	if err != nil {
		return PayResult{}, err
	}
	return PayResult{State: QuotePending}, nil
}

func (g *stubGateway) CheckQuoteState(_ context.Context, _ string, quoteID string) (QuoteState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkCalls = append(g.checkCalls, quoteID)
	if st, ok := g.states[quoteID]; ok {
		return st, nil
	}
	if g.state == "" {
		return QuotePaid, nil
	}
	return g.state, nil
}

type sinkCall struct {
	kind   string
	a, b   string
	n1, n2 int64
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) add(c sinkCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *recordingSink) Started(endpointID string, amount int64, destination string) {
	s.add(sinkCall{kind: "started", a: endpointID, b: destination, n1: amount})
}
func (s *recordingSink) Progress(step, detail string) {
	s.add(sinkCall{kind: "progress", a: step, b: detail})
}
func (s *recordingSink) Completed(endpointID string, amount, fee int64) {
	s.add(sinkCall{kind: "completed", a: endpointID, n1: amount, n2: fee})
}
func (s *recordingSink) Failed(endpointID, message string) {
	s.add(sinkCall{kind: "failed", a: endpointID, b: message})
}

func (s *recordingSink) kinds(kind string) []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkCall
	for _, c := range s.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	engine   *Engine
	balances *stubBalances
	gateway  *stubGateway
	settings *settings.MemoryStore
	history  *withdrawal.MemoryStore
	ledger   *ledger.MemoryStore
	sink     *recordingSink
}

func newHarness(t *testing.T, enabled bool, balances ...Balance) *harness {
	t.Helper()

	h := &harness{
		balances: &stubBalances{balances: balances},
		gateway:  &stubGateway{},
		settings: settings.NewMemoryStore(),
		history:  withdrawal.NewMemoryStore(),
		ledger:   ledger.NewMemoryStore(),
		sink:     &recordingSink{},
	}
	if _, err := h.settings.SetGlobal(context.Background(), policy.GlobalSettings{
		Enabled:          enabled,
		DefaultThreshold: 10_000,
		DefaultPercent:   95,
		DefaultAddress:   addr,
	}); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}

	e, err := New(Config{Now: func() time.Time { return fixedNow }}, h.balances, h.gateway, h.settings, h.history, h.ledger, h.sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	return h
}

func (h *harness) list(t *testing.T) []withdrawal.Record {
	t.Helper()
	got, err := h.history.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return got
}

func TestEvaluate_ScenarioA_Completed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})

	rec, ok := h.engine.Evaluate(context.Background(), "")
	if !ok {
		t.Fatalf("expected an attempt")
	}
	if rec.RequestedAmount != 14_250 {
		t.Fatalf("amount: got %d want 14250", rec.RequestedAmount)
	}
	if rec.State != withdrawal.StateCompleted || rec.FeeAmount != 10 || rec.QuoteID != "q-"+mintA {
		t.Fatalf("record: got %+v", rec)
	}
	if !rec.CreatedAt.Equal(fixedNow) || rec.DestinationAddress != addr {
		t.Fatalf("record metadata: got %+v", rec)
	}
	if h.engine.State() != StateCompleted {
		t.Fatalf("state: got %s want completed", h.engine.State())
	}

	hist := h.list(t)
	if len(hist) != 1 || hist[0].ID != rec.ID {
		t.Fatalf("history: got %+v", hist)
	}

	completed := h.sink.kinds("completed")
	if len(completed) != 1 || completed[0].n1 != 14_250 || completed[0].n2 != 10 {
		t.Fatalf("completed events: got %+v", completed)
	}
	if len(h.sink.kinds("failed")) != 0 {
		t.Fatalf("unexpected failed event")
	}

	steps := h.sink.kinds("progress")
	want := []string{"Preparing", "Quote", "Sending"}
	if len(steps) != len(want) {
		t.Fatalf("progress steps: got %+v", steps)
	}
	for i, s := range want {
		if steps[i].a != s {
			t.Fatalf("step %d: got %q want %q", i, steps[i].a, s)
		}
	}

	entries, err := h.ledger.List(context.Background())
	if err != nil {
		t.Fatalf("ledger List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger: got %d entries", len(entries))
	}
	e := entries[0]
	if e.ID != idempotency.LedgerEntryIDV1(mintA, "q-"+mintA) || e.Amount != -14_250 || e.Status != ledger.StatusCompleted || e.Request != "lnbc1..." {
		t.Fatalf("ledger entry: got %+v", e)
	}
}

func TestEvaluate_ScenarioB_PendingSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	h.gateway.state = QuotePending

	rec, ok := h.engine.Evaluate(context.Background(), "")
	if !ok {
		t.Fatalf("expected an attempt")
	}
	if rec.State != withdrawal.StatePending || rec.ErrorMessage != "Payment pending - check back later" {
		t.Fatalf("record: got %+v", rec)
	}
	if h.engine.State() != StateFailedPending {
		t.Fatalf("state: got %s", h.engine.State())
	}

	steps := h.sink.kinds("progress")
	if last := steps[len(steps)-1]; last.a != "Pending" || last.b != "Payment is pending..." {
		t.Fatalf("last progress: got %+v", last)
	}
	if len(h.sink.kinds("completed")) != 0 || len(h.sink.kinds("failed")) != 0 {
		t.Fatalf("expected no terminal progress events: %+v", h.sink.calls)
	}

	entries, _ := h.ledger.List(context.Background())
	if len(entries) != 1 || entries[0].Status != ledger.StatusPending {
		t.Fatalf("ledger: got %+v", entries)
	}
}

func TestEvaluate_ScenarioC_InsufficientBalance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	h.gateway.quoteFn = func(_ context.Context, _ string, amount int64) (Quote, error) {
		return Quote{ID: "q-1", Amount: amount, FeeReserve: 2_000}, nil
	}

	rec, ok := h.engine.Evaluate(context.Background(), "")
	if !ok {
		t.Fatalf("expected an attempt")
	}
	if rec.State != withdrawal.StateFailed || !strings.Contains(rec.ErrorMessage, "insufficient balance") {
		t.Fatalf("record: got %+v", rec)
	}
	if len(h.gateway.payCalls) != 0 {
		t.Fatalf("pay must not be called, got %d calls", len(h.gateway.payCalls))
	}
	failed := h.sink.kinds("failed")
	if len(failed) != 1 || failed[0].a != mintA {
		t.Fatalf("failed events: got %+v", failed)
	}
	if entries, _ := h.ledger.List(context.Background()); len(entries) != 0 {
		t.Fatalf("expected no ledger entry, got %d", len(entries))
	}
	if len(h.list(t)) != 1 {
		t.Fatalf("expected one history record")
	}
}

func TestEvaluate_ScenarioD_GlobalDisabled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Balance{EndpointID: mintA, Amount: 500_000})

	if _, ok := h.engine.Evaluate(context.Background(), mintA); ok {
		t.Fatalf("expected no attempt")
	}
	if got := h.balances.calls.Load(); got != 0 {
		t.Fatalf("balance source queried %d times", got)
	}
	if len(h.gateway.quoteCalls) != 0 || len(h.list(t)) != 0 {
		t.Fatalf("expected no side effects")
	}
}

type countingGuard struct {
	guard.Guard
	acquires atomic.Int32
}

func (g *countingGuard) Acquire(ctx context.Context) (func(), bool) {
	g.acquires.Add(1)
	return g.Guard.Acquire(ctx)
}

func TestEvaluate_DisabledSkipsGuard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false, Balance{EndpointID: mintA, Amount: 500_000})
	g := &countingGuard{Guard: guard.NewLocal()}
	h.engine.WithGuard(g)

	for i := 0; i < 3; i++ {
		if _, ok := h.engine.Evaluate(context.Background(), ""); ok {
			t.Fatalf("expected no attempt")
		}
	}
	if got := g.acquires.Load(); got != 0 {
		t.Fatalf("guard acquires while disabled: got %d want 0", got)
	}

	if _, err := h.settings.SetGlobal(context.Background(), policy.GlobalSettings{
		Enabled:          true,
		DefaultThreshold: 10_000,
		DefaultPercent:   95,
		DefaultAddress:   addr,
	}); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	if _, ok := h.engine.Evaluate(context.Background(), ""); !ok {
		t.Fatalf("expected an attempt once enabled")
	}
	if got := g.acquires.Load(); got != 1 {
		t.Fatalf("guard acquires: got %d want 1", got)
	}
}

func TestEvaluate_EndpointOptOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 50_000}, Balance{EndpointID: mintB, Amount: 20_000})
	off := false
	if _, err := h.settings.SetEndpoint(context.Background(), policy.Override{EndpointID: mintA, Enabled: &off}); err != nil {
		t.Fatalf("SetEndpoint: %v", err)
	}

	rec, ok := h.engine.Evaluate(context.Background(), "")
	if !ok || rec.EndpointID != mintB {
		t.Fatalf("expected withdrawal from %s, got ok=%v %+v", mintB, ok, rec)
	}
}

func TestEvaluate_HintFirstThenOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true,
		Balance{EndpointID: mintA, Amount: 50_000},
		Balance{EndpointID: mintB, Amount: 20_000},
	)

	rec, ok := h.engine.Evaluate(context.Background(), mintB)
	if !ok || rec.EndpointID != mintB {
		t.Fatalf("expected hinted endpoint first, got ok=%v %+v", ok, rec)
	}
	if len(h.gateway.quoteCalls) != 1 {
		t.Fatalf("expected at most one execute per evaluation, got %d quotes", len(h.gateway.quoteCalls))
	}

	// A hint below threshold falls through to the others.
	h2 := newHarness(t, true,
		Balance{EndpointID: mintA, Amount: 50_000},
		Balance{EndpointID: mintB, Amount: 9_999},
	)
	rec, ok = h2.engine.Evaluate(context.Background(), mintB)
	if !ok || rec.EndpointID != mintA {
		t.Fatalf("expected fallback to %s, got ok=%v %+v", mintA, ok, rec)
	}

	// Unknown hints are ignored.
	h3 := newHarness(t, true, Balance{EndpointID: mintA, Amount: 50_000})
	if rec, ok := h3.engine.Evaluate(context.Background(), "https://unknown"); !ok || rec.EndpointID != mintA {
		t.Fatalf("expected %s, got ok=%v %+v", mintA, ok, rec)
	}
}

func TestEvaluate_NoBalancesOrBelowThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	if _, ok := h.engine.Evaluate(context.Background(), ""); ok {
		t.Fatalf("expected no attempt without balances")
	}

	h = newHarness(t, true, Balance{EndpointID: mintA, Amount: 9_999})
	if _, ok := h.engine.Evaluate(context.Background(), ""); ok {
		t.Fatalf("expected no attempt below threshold")
	}

	h = newHarness(t, true, Balance{EndpointID: mintA, Amount: 10_000})
	if _, ok := h.engine.Evaluate(context.Background(), ""); !ok {
		t.Fatalf("expected attempt at exactly the threshold")
	}

	h = newHarness(t, true, Balance{EndpointID: mintA, Amount: 50_000})
	h.balances.err = errors.New("wallet locked")
	if _, ok := h.engine.Evaluate(context.Background(), ""); ok {
		t.Fatalf("expected no attempt when balances fail")
	}
}

func TestEvaluate_OneAppendPerExecute(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		setup   func(g *stubGateway)
		want    withdrawal.State
		message string
	}{
		{
			name: "quote error",
			setup: func(g *stubGateway) {
				g.quoteFn = func(context.Context, string, int64) (Quote, error) {
					return Quote{}, errors.New("mint offline")
				}
			},
			want:    withdrawal.StateFailed,
			message: "mint offline",
		},
		{
			name:    "pay error",
			setup:   func(g *stubGateway) { g.payErr = errors.New("route not found") },
			want:    withdrawal.StateFailed,
			message: "route not found",
		},
		{
			name:    "unpaid after pay",
			setup:   func(g *stubGateway) { g.state = QuoteUnpaid },
			want:    withdrawal.StateFailed,
			message: "Payment failed: UNPAID",
		},
		{
			name: "panicking gateway",
			setup: func(g *stubGateway) {
				g.quoteFn = func(context.Context, string, int64) (Quote, error) { panic("boom") }
			},
			want:    withdrawal.StateFailed,
			message: "panic: boom",
		},
		{
			name:  "paid",
			setup: func(*stubGateway) {},
			want:  withdrawal.StateCompleted,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
			tc.setup(h.gateway)

			rec, ok := h.engine.Evaluate(context.Background(), "")
			if !ok {
				t.Fatalf("expected an attempt")
			}
			hist := h.list(t)
			if len(hist) != 1 {
				t.Fatalf("history appends: got %d want 1", len(hist))
			}
			if hist[0].State != tc.want || rec.State != tc.want {
				t.Fatalf("state: got %s want %s", hist[0].State, tc.want)
			}
			if !strings.Contains(hist[0].ErrorMessage, tc.message) {
				t.Fatalf("message: got %q want it to contain %q", hist[0].ErrorMessage, tc.message)
			}
			if h.engine.Busy() {
				t.Fatalf("guard still held after attempt")
			}
		})
	}
}

func TestEvaluate_GatewayErrorIsTyped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	cause := errors.New("mint offline")
	h.gateway.quoteFn = func(context.Context, string, int64) (Quote, error) { return Quote{}, cause }

	g := &GatewayError{Op: "quote", EndpointID: mintA, Err: cause}
	if !errors.Is(g, cause) {
		t.Fatalf("GatewayError must unwrap to its cause")
	}
	rec, _ := h.engine.Evaluate(context.Background(), "")
	if rec.ErrorMessage != g.Error() {
		t.Fatalf("message: got %q want %q", rec.ErrorMessage, g.Error())
	}
}

func TestEvaluate_SingleFlight(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	h.gateway.quoteFn = func(_ context.Context, _ string, amount int64) (Quote, error) {
		once.Do(func() { close(entered) })
		<-unblock
		return Quote{ID: "q-1", Amount: amount, FeeReserve: 10}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.Evaluate(context.Background(), "")
	}()
	<-entered

	if h.engine.State() != StateQuoting {
		t.Fatalf("state while quoting: got %s", h.engine.State())
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := h.engine.Evaluate(context.Background(), mintA); ok {
				t.Errorf("concurrent Evaluate must not start a second attempt")
			}
		}()
	}
	wg.Wait()

	if _, err := h.engine.Reconcile(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from Reconcile, got %v", err)
	}

	close(unblock)
	<-done

	if got := len(h.gateway.quoteCalls); got != 1 {
		t.Fatalf("quote calls: got %d want 1", got)
	}
	if got := len(h.list(t)); got != 1 {
		t.Fatalf("history: got %d want 1", got)
	}
	if h.engine.Busy() {
		t.Fatalf("guard still held")
	}
}

func TestEvaluate_CallTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	e, err := New(Config{CallTimeout: 20 * time.Millisecond, Now: func() time.Time { return fixedNow }},
		h.balances, h.gateway, h.settings, h.history, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.gateway.quoteFn = func(ctx context.Context, _ string, _ int64) (Quote, error) {
		<-ctx.Done()
		return Quote{}, ctx.Err()
	}

	rec, ok := e.Evaluate(context.Background(), "")
	if !ok || rec.State != withdrawal.StateFailed {
		t.Fatalf("expected failed attempt, got ok=%v %+v", ok, rec)
	}
	if !strings.Contains(rec.ErrorMessage, context.DeadlineExceeded.Error()) {
		t.Fatalf("message: got %q", rec.ErrorMessage)
	}
}

func TestNew_RejectsNilDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil, &stubGateway{}, settings.NewMemoryStore(), withdrawal.NewMemoryStore(), nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEvaluate_CallerCancelDoesNotAbortPayment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	paying := make(chan struct{})
	proceed := make(chan struct{})
	h.gateway.payFn = func(ctx context.Context, _ string) (PayResult, error) {
		close(paying)
		<-proceed
		if err := ctx.Err(); err != nil {
			return PayResult{}, err
		}
		return PayResult{State: QuotePending}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		rec withdrawal.Record
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		rec, ok := h.engine.Evaluate(ctx, "")
		done <- result{rec, ok}
	}()

	<-paying
	cancel()
	close(proceed)
	res := <-done

	if !res.ok || res.rec.State != withdrawal.StateCompleted {
		t.Fatalf("record: got ok=%v %+v", res.ok, res.rec)
	}
	if hist := h.list(t); len(hist) != 1 || hist[0].State != withdrawal.StateCompleted {
		t.Fatalf("history: got %+v", hist)
	}
	entries, err := h.ledger.List(context.Background())
	if err != nil {
		t.Fatalf("ledger List: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != ledger.StatusCompleted {
		t.Fatalf("ledger: got %+v", entries)
	}
	if h.engine.Busy() {
		t.Fatalf("guard still held after attempt")
	}
}

func TestEvaluate_PendingLedgerEntryBeforePay(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	var atPay []ledger.Entry
	h.gateway.payFn = func(ctx context.Context, _ string) (PayResult, error) {
		entries, err := h.ledger.List(ctx)
		if err != nil {
			return PayResult{}, err
		}
		atPay = entries
		return PayResult{State: QuotePending}, nil
	}

	if _, ok := h.engine.Evaluate(context.Background(), ""); !ok {
		t.Fatalf("expected an attempt")
	}
	if len(atPay) != 1 {
		t.Fatalf("ledger entries when paying: got %d want 1", len(atPay))
	}
	e := atPay[0]
	if e.Status != ledger.StatusPending || e.QuoteID != "q-"+mintA || e.Amount != -14_250 {
		t.Fatalf("ledger entry when paying: got %+v", e)
	}
}

type errHistory struct {
	withdrawal.HistoryLog
	appends atomic.Int32
}

func (h *errHistory) Append(context.Context, withdrawal.Record) error {
	h.appends.Add(1)
	return errors.New("disk full")
}

func TestEvaluate_HistoryAppendFailureReleasesGuard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true, Balance{EndpointID: mintA, Amount: 15_000})
	hist := &errHistory{HistoryLog: withdrawal.NewMemoryStore()}
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e, err := New(Config{Now: func() time.Time { return fixedNow }}, h.balances, h.gateway, h.settings, hist, h.ledger, nil, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, ok := e.Evaluate(context.Background(), "")
	if !ok || rec.State != withdrawal.StateCompleted {
		t.Fatalf("attempt: got ok=%v %+v", ok, rec)
	}
	if e.Busy() {
		t.Fatalf("guard still held after failed append")
	}
	if !strings.Contains(logs.String(), "append withdrawal history") || !strings.Contains(logs.String(), "disk full") {
		t.Fatalf("append failure not logged: %s", logs.String())
	}

	if _, ok := e.Evaluate(context.Background(), ""); !ok {
		t.Fatalf("expected a second attempt after failed append")
	}
	if got := hist.appends.Load(); got != 2 {
		t.Fatalf("appends: got %d want 2", got)
	}
	if got := len(h.gateway.quoteCalls); got != 2 {
		t.Fatalf("quote calls: got %d want 2", got)
	}
}
