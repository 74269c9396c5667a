// Package httpapi exposes operator controls for the auto-withdraw engine: manual evaluation,
// reconciliation, history and settings.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juno-intents/autowithdraw/internal/engine"
	"github.com/juno-intents/autowithdraw/internal/policy"
	"github.com/juno-intents/autowithdraw/internal/settings"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

var ErrInvalidConfig = errors.New("httpapi: invalid config")

// Evaluator starts an evaluation, optionally hinted. Implemented by *trigger.Trigger.
type Evaluator interface {
	OnPaymentReceived(ctx context.Context, hint string) (withdrawal.Record, bool)
}

// Engine is the subset of *engine.Engine the API reports on.
type Engine interface {
	Reconcile(ctx context.Context) (engine.ReconcileResult, error)
	State() engine.State
	Busy() bool
}

type Config struct {
	// AuthToken enables bearer-token auth on /v1 routes when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 64 KiB.
	MaxBodyBytes int64

	// RequestTimeout bounds evaluate and reconcile calls. Defaults to 5m.
	RequestTimeout time.Duration
}

type handler struct {
	cfg      Config
	eval     Evaluator
	engine   Engine
	history  withdrawal.HistoryLog
	settings settings.Store
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(cfg Config, eval Evaluator, eng Engine, history withdrawal.HistoryLog, st settings.Store, log *slog.Logger) (http.Handler, error) {
	if eval == nil || eng == nil || history == nil || st == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg:      cfg,
		eval:     eval,
		engine:   eng,
		history:  history,
		settings: st,
		validate: validator.New(),
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /v1/status", h.auth(h.status))
	mux.HandleFunc("POST /v1/evaluate", h.auth(h.evaluate))
	mux.HandleFunc("POST /v1/reconcile", h.auth(h.reconcile))
	mux.HandleFunc("GET /v1/history", h.auth(h.listHistory))
	mux.HandleFunc("DELETE /v1/history", h.auth(h.clearHistory))
	mux.HandleFunc("GET /v1/settings/global", h.auth(h.getGlobal))
	mux.HandleFunc("PUT /v1/settings/global", h.auth(h.putGlobal))
	mux.HandleFunc("GET /v1/settings/endpoints", h.auth(h.listEndpoints))
	mux.HandleFunc("GET /v1/settings/endpoints/{endpoint}", h.auth(h.getEndpoint))
	mux.HandleFunc("PUT /v1/settings/endpoints/{endpoint}", h.auth(h.putEndpoint))
	mux.HandleFunc("DELETE /v1/settings/endpoints/{endpoint}", h.auth(h.deleteEndpoint))
	return mux, nil
}

func (h *handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{State: h.engine.State().String(), Busy: h.engine.Busy()})
}

func (h *handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	rec, ok := h.eval.OnPaymentReceived(ctx, req.Hint)
	out := evaluateResponse{Executed: ok}
	if ok {
		dto := recordDTO(rec)
		out.Record = &dto
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
	defer cancel()

	res, err := h.engine.Reconcile(ctx)
	switch {
	case errors.Is(err, engine.ErrBusy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "busy"})
		return
	case err != nil:
		h.log.Error("reconcile", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.List(r.Context())
	if err != nil {
		h.log.Error("list history", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		return
	}
	out := historyResponse{Records: make([]recordResponse, 0, len(records))}
	for _, rec := range records {
		out.Records = append(out.Records, recordDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.history.Clear(r.Context()); err != nil {
		h.log.Error("clear history", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getGlobal(w http.ResponseWriter, r *http.Request) {
	g, err := h.settings.Global(r.Context())
	if err != nil {
		h.log.Error("get global settings", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, globalDTO(g))
}

func (h *handler) putGlobal(w http.ResponseWriter, r *http.Request) {
	var req globalRequest
	if !h.decode(w, r, &req) {
		return
	}
	g, err := h.settings.SetGlobal(r.Context(), policy.GlobalSettings{
		Enabled:          *req.Enabled,
		DefaultThreshold: req.DefaultThreshold,
		DefaultPercent:   req.DefaultPercent,
		DefaultAddress:   req.DefaultAddress,
	})
	if err != nil {
		h.log.Error("set global settings", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		return
	}
	writeJSON(w, http.StatusOK, globalDTO(g))
}

func (h *handler) listEndpoints(w http.ResponseWriter, r *http.Request) {
	list, err := h.settings.ListEndpoints(r.Context())
	if err != nil {
		h.log.Error("list endpoint settings", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
		return
	}
	out := endpointListResponse{Endpoints: make([]endpointResponse, 0, len(list))}
	for _, o := range list {
		out.Endpoints = append(out.Endpoints, endpointDTO(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getEndpoint(w http.ResponseWriter, r *http.Request) {
	o, err := h.settings.Endpoint(r.Context(), r.PathValue("endpoint"))
	if err != nil {
		h.settingsError(w, "get endpoint settings", err)
		return
	}
	writeJSON(w, http.StatusOK, endpointDTO(o))
}

func (h *handler) putEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.settings.SetEndpoint(r.Context(), policy.Override{
		EndpointID: r.PathValue("endpoint"),
		Enabled:    req.Enabled,
		Threshold:  req.Threshold,
		Percent:    req.Percent,
		Address:    req.Address,
	})
	if err != nil {
		h.settingsError(w, "set endpoint settings", err)
		return
	}
	writeJSON(w, http.StatusOK, endpointDTO(o))
}

func (h *handler) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.settings.DeleteEndpoint(r.Context(), r.PathValue("endpoint")); err != nil {
		h.settingsError(w, "delete endpoint settings", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) settingsError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, settings.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_endpoint"})
		return
	}
	h.log.Error(op, "err", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
}

// decode reads a single JSON object into v and validates it. It writes the error response itself.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
		return false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request"})
			return false
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+":"+fe.Tag())
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Fields: fields})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)) == wantToken
}
