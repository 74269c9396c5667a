// Package trigger turns external signals (a received payment, a timer tick, an operator request)
// into engine evaluations.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

const PaymentReceivedVersionV1 = "payments.received.v1"

var (
	ErrInvalidConfig  = errors.New("trigger: invalid config")
	ErrInvalidMessage = errors.New("trigger: invalid message")
)

// Evaluator is implemented by *engine.Engine.
type Evaluator interface {
	Evaluate(ctx context.Context, hint string) (withdrawal.Record, bool)
}

type Trigger struct {
	eval Evaluator
	log  *slog.Logger
}

func New(eval Evaluator, log *slog.Logger) (*Trigger, error) {
	if eval == nil {
		return nil, fmt.Errorf("%w: nil evaluator", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Trigger{eval: eval, log: log}, nil
}

// OnPaymentReceived evaluates with hint checked first. hint is the endpoint that just received
// funds, or "" when unknown.
func (t *Trigger) OnPaymentReceived(ctx context.Context, hint string) (withdrawal.Record, bool) {
	t.log.Debug("payment received; evaluating auto-withdraw", "hint", hint)
	return t.eval.Evaluate(ctx, strings.TrimSpace(hint))
}

// Evaluate runs an evaluation with no hint, e.g. from a timer or an operator.
func (t *Trigger) Evaluate(ctx context.Context) (withdrawal.Record, bool) {
	return t.eval.Evaluate(ctx, "")
}

type paymentReceivedV1 struct {
	Version    string `json:"version"`
	EndpointID string `json:"endpoint_id"`
	Token      string `json:"token"`
}

// HandlePaymentMessage decodes a payments.received.v1 envelope and evaluates. A token, when
// present, names the hint through its mint; an undecodable token falls back to endpoint_id.
func (t *Trigger) HandlePaymentMessage(ctx context.Context, payload []byte) error {
	var msg paymentReceivedV1
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Version != PaymentReceivedVersionV1 {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidMessage, msg.Version)
	}

	t.OnPaymentReceived(ctx, t.hintFor(msg))
	return nil
}

func (t *Trigger) hintFor(msg paymentReceivedV1) string {
	hint := strings.TrimSpace(msg.EndpointID)
	raw := ExtractToken(strings.TrimSpace(msg.Token))
	if raw == "" {
		return hint
	}
	mint, err := MintFromToken(raw)
	if err != nil {
		t.log.Warn("could not read mint from token", "endpoint_id", hint, "err", err)
		return hint
	}
	return mint
}
