package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/juno-intents/autowithdraw/internal/engine"
	"github.com/juno-intents/autowithdraw/internal/settings"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

type stubEvaluator struct {
	hints []string
	rec   withdrawal.Record
	ok    bool
}

func (s *stubEvaluator) OnPaymentReceived(_ context.Context, hint string) (withdrawal.Record, bool) {
	s.hints = append(s.hints, hint)
	return s.rec, s.ok
}

type stubEngine struct {
	res  engine.ReconcileResult
	err  error
	busy bool
}

func (s *stubEngine) Reconcile(context.Context) (engine.ReconcileResult, error) { return s.res, s.err }
func (s *stubEngine) State() engine.State                                       { return engine.StateIdle }
func (s *stubEngine) Busy() bool                                                { return s.busy }

type fixture struct {
	h        http.Handler
	eval     *stubEvaluator
	engine   *stubEngine
	history  *withdrawal.MemoryStore
	settings *settings.MemoryStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		eval:     &stubEvaluator{},
		engine:   &stubEngine{},
		history:  withdrawal.NewMemoryStore(),
		settings: settings.NewMemoryStore(),
	}
	h, err := NewHandler(cfg, f.eval, f.engine, f.history, f.settings, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	f.h = h
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHandler_Healthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AuthToken: "secret"})
	rr := f.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("body: got %q", rr.Body.String())
	}
}

func TestHandler_BearerAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AuthToken: "secret"})

	rr := f.do(http.MethodGet, "/v1/status", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d want %d", rr.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d want %d", rr.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("good token: got %d want %d", rr.Code, http.StatusOK)
	}
	got := decodeBody[statusResponse](t, rr)
	if got.State != "idle" || got.Busy {
		t.Fatalf("status: got %+v", got)
	}
}

func TestHandler_EvaluateForwardsHint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	f.eval.rec = withdrawal.NewRecord("https://mint.example", "merchant@example.com", 1900, now)
	f.eval.rec.State = withdrawal.StateCompleted
	f.eval.ok = true

	rr := f.do(http.MethodPost, "/v1/evaluate", `{"hint":"https://mint.example"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if len(f.eval.hints) != 1 || f.eval.hints[0] != "https://mint.example" {
		t.Fatalf("hints: got %v", f.eval.hints)
	}
	got := decodeBody[evaluateResponse](t, rr)
	if !got.Executed || got.Record == nil {
		t.Fatalf("expected executed record, got %+v", got)
	}
	if got.Record.State != "completed" || got.Record.RequestedAmount != 1900 {
		t.Fatalf("record: got %+v", got.Record)
	}
}

func TestHandler_EvaluateWithoutBody(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rr := f.do(http.MethodPost, "/v1/evaluate", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusOK)
	}
	if len(f.eval.hints) != 1 || f.eval.hints[0] != "" {
		t.Fatalf("hints: got %v", f.eval.hints)
	}
	got := decodeBody[evaluateResponse](t, rr)
	if got.Executed || got.Record != nil {
		t.Fatalf("expected no attempt, got %+v", got)
	}
}

func TestHandler_RejectsBadBodies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		method  string
		target  string
		body    string
		wantErr string
	}{
		{name: "malformed", method: http.MethodPost, target: "/v1/evaluate", body: `{`, wantErr: "invalid_json"},
		{name: "unknown field", method: http.MethodPost, target: "/v1/evaluate", body: `{"mint":"x"}`, wantErr: "invalid_json"},
		{name: "trailing data", method: http.MethodPost, target: "/v1/evaluate", body: `{"hint":""} {}`, wantErr: "invalid_json"},
		{name: "hint not a url", method: http.MethodPost, target: "/v1/evaluate", body: `{"hint":"not a url"}`, wantErr: "invalid_request"},
		{name: "global missing enabled", method: http.MethodPut, target: "/v1/settings/global", body: `{"default_threshold":2000}`, wantErr: "invalid_request"},
		{name: "negative percent", method: http.MethodPut, target: "/v1/settings/endpoints/m", body: `{"percent":-1}`, wantErr: "invalid_request"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Config{})
			rr := f.do(tc.method, tc.target, tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d want %d", rr.Code, http.StatusBadRequest)
			}
			got := decodeBody[errorResponse](t, rr)
			if got.Error != tc.wantErr {
				t.Fatalf("error: got %q want %q", got.Error, tc.wantErr)
			}
			if len(f.eval.hints) != 0 {
				t.Fatalf("evaluator called on bad request")
			}
		})
	}
}

func TestHandler_BodyLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxBodyBytes: 16})
	rr := f.do(http.MethodPost, "/v1/evaluate", `{"hint":"https://mint.example/a/very/long/path"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHandler_ReconcileBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.engine.err = engine.ErrBusy
	rr := f.do(http.MethodPost, "/v1/reconcile", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusConflict)
	}

	f.engine.err = nil
	f.engine.res = engine.ReconcileResult{Checked: 2, Completed: 1, Pending: 1}
	rr = f.do(http.MethodPost, "/v1/reconcile", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusOK)
	}
	got := decodeBody[engine.ReconcileResult](t, rr)
	if got != f.engine.res {
		t.Fatalf("result: got %+v want %+v", got, f.engine.res)
	}
}

func TestHandler_HistoryListAndClear(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	rec := withdrawal.NewRecord("https://mint.example", "merchant@example.com", 950, now)
	rec.State = withdrawal.StateFailed
	rec.ErrorMessage = "insufficient balance for withdrawal + fees"
	if err := f.history.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rr := f.do(http.MethodGet, "/v1/history", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusOK)
	}
	got := decodeBody[historyResponse](t, rr)
	if len(got.Records) != 1 || got.Records[0].ID != rec.ID || got.Records[0].State != "failed" {
		t.Fatalf("records: got %+v", got.Records)
	}

	rr = f.do(http.MethodDelete, "/v1/history", "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("clear status: got %d want %d", rr.Code, http.StatusNoContent)
	}
	list, err := f.history.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Fatalf("history after clear: len=%d err=%v", len(list), err)
	}
}

func TestHandler_GlobalSettingsAreClamped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	rr := f.do(http.MethodGet, "/v1/settings/global", "")
	got := decodeBody[globalResponse](t, rr)
	if got.Enabled || got.DefaultThreshold != 10000 || got.DefaultPercent != 95 {
		t.Fatalf("defaults: got %+v", got)
	}

	rr = f.do(http.MethodPut, "/v1/settings/global", `{"enabled":true,"default_threshold":5,"default_percent":99,"default_address":" merchant@example.com "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d want %d body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	got = decodeBody[globalResponse](t, rr)
	want := globalResponse{Enabled: true, DefaultThreshold: 1000, DefaultPercent: 98, DefaultAddress: "merchant@example.com"}
	if got != want {
		t.Fatalf("global: got %+v want %+v", got, want)
	}

	stored, err := f.settings.Global(context.Background())
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	if globalDTO(stored) != want {
		t.Fatalf("stored: got %+v want %+v", stored, want)
	}
}

func TestHandler_EndpointSettingsLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	endpoint := "https://mint.example"
	target := "/v1/settings/endpoints/" + url.PathEscape(endpoint)

	rr := f.do(http.MethodPut, target, `{"enabled":false,"threshold":2000000,"address":"alt@example.com"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("put status: got %d want %d body=%s", rr.Code, http.StatusOK, rr.Body.String())
	}
	got := decodeBody[endpointResponse](t, rr)
	if got.EndpointID != endpoint {
		t.Fatalf("endpoint id: got %q want %q", got.EndpointID, endpoint)
	}
	if got.Enabled == nil || *got.Enabled {
		t.Fatalf("enabled: got %v", got.Enabled)
	}
	if got.Threshold == nil || *got.Threshold != 1000000 {
		t.Fatalf("threshold: got %v want 1000000", got.Threshold)
	}
	if got.Percent != nil {
		t.Fatalf("percent: got %v want inherited", *got.Percent)
	}

	rr = f.do(http.MethodGet, "/v1/settings/endpoints", "")
	list := decodeBody[endpointListResponse](t, rr)
	if len(list.Endpoints) != 1 || list.Endpoints[0].EndpointID != endpoint {
		t.Fatalf("list: got %+v", list.Endpoints)
	}

	rr = f.do(http.MethodDelete, target, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status: got %d want %d", rr.Code, http.StatusNoContent)
	}

	rr = f.do(http.MethodGet, target, "")
	got = decodeBody[endpointResponse](t, rr)
	if got.EndpointID != endpoint || got.Enabled != nil || got.Threshold != nil || got.Address != nil {
		t.Fatalf("after delete: got %+v", got)
	}
}

func TestNewHandler_RejectsNilDeps(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(Config{}, nil, &stubEngine{}, withdrawal.NewMemoryStore(), settings.NewMemoryStore(), nil); err == nil {
		t.Fatalf("expected error")
	}
}
