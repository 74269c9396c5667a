package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/juno-intents/autowithdraw/internal/ledger"
	"github.com/juno-intents/autowithdraw/internal/policy"
)

var (
	ErrInvalidConfig       = errors.New("engine: invalid config")
	ErrInsufficientBalance = errors.New("insufficient balance for withdrawal + fees")
)

// Balance is the spendable amount held at one endpoint.
type Balance struct {
	EndpointID string
	Amount     int64
}

// BalanceSource lists balances in a stable order.
type BalanceSource interface {
	Balances(ctx context.Context) ([]Balance, error)
}

type QuoteState string

const (
	QuoteUnpaid  QuoteState = "UNPAID"
	QuotePending QuoteState = "PENDING"
	QuotePaid    QuoteState = "PAID"
)

// ParseQuoteState upper-cases v. Unrecognised states are returned as-is.
func ParseQuoteState(v string) QuoteState {
	return QuoteState(strings.ToUpper(strings.TrimSpace(v)))
}

// Quote is a melt quote for paying address out of an endpoint.
type Quote struct {
	ID         string
	Amount     int64
	FeeReserve int64
	// Request is the payment request the endpoint will pay (bolt11 invoice).
	Request string
	State   QuoteState
	Expiry  time.Time
}

type PayResult struct {
	State    QuoteState
	FeePaid  int64
	Preimage string
}

type PaymentGateway interface {
	QuoteWithdrawal(ctx context.Context, endpointID, address string, amount int64) (Quote, error)
	Pay(ctx context.Context, endpointID, quoteID string) (PayResult, error)
	CheckQuoteState(ctx context.Context, endpointID, quoteID string) (QuoteState, error)
}

// SettingsSource is the read side of settings.Store.
type SettingsSource interface {
	Global(ctx context.Context) (policy.GlobalSettings, error)
	Endpoint(ctx context.Context, endpointID string) (policy.Override, error)
}

// Ledger records the outgoing payment in the wallet's payment history.
type Ledger interface {
	AddPending(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	MarkCompleted(ctx context.Context, id string) error
}

// GatewayError wraps a failed quote, pay or check call.
type GatewayError struct {
	Op         string
	EndpointID string
	Err        error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.EndpointID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// State is the phase of the current (or last) withdrawal attempt.
type State uint8

const (
	StateIdle State = iota
	StateQuoting
	StatePaying
	StateConfirming
	StateCompleted
	StateFailedPending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQuoting:
		return "quoting"
	case StatePaying:
		return "paying"
	case StateConfirming:
		return "confirming"
	case StateCompleted:
		return "completed"
	case StateFailedPending:
		return "failed_pending"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
