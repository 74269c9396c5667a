// Package ledger records outgoing withdrawals in the wallet's payment history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	ErrNotFound     = errors.New("ledger: not found")
	ErrConflict     = errors.New("ledger: conflict")
)

const (
	UnitSat              = "sat"
	PaymentTypeLightning = "lightning"
)

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s != StatusPending && s != StatusCompleted {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidEntry, s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = StatusPending
	case "completed":
		*s = StatusCompleted
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidEntry, string(b))
	}
	return nil
}

// Entry is one payment-history row. Outgoing payments carry a negative Amount.
type Entry struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Unit        string    `json:"unit"`
	EndpointID  string    `json:"mintUrl"`
	Status      Status    `json:"status"`
	PaymentType string    `json:"paymentType"`
	Request     string    `json:"invoice,omitempty"`
	QuoteID     string    `json:"quoteId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.EndpointID) == "" {
		return fmt.Errorf("%w: missing endpoint id", ErrInvalidEntry)
	}
	if e.Amount == 0 {
		return fmt.Errorf("%w: zero amount", ErrInvalidEntry)
	}
	if e.Unit == "" {
		return fmt.Errorf("%w: missing unit", ErrInvalidEntry)
	}
	if e.Status != StatusPending && e.Status != StatusCompleted {
		return fmt.Errorf("%w: status %d", ErrInvalidEntry, e.Status)
	}
	return nil
}

// Store persists ledger entries.
//
// AddPending is idempotent on Entry.ID: re-adding an identical entry returns the stored one,
// re-adding a different entry under the same id returns ErrConflict.
type Store interface {
	AddPending(ctx context.Context, e Entry) (Entry, error)
	MarkCompleted(ctx context.Context, id string) error
	// List returns entries newest first.
	List(ctx context.Context) ([]Entry, error)
}

func sameEntry(a, b Entry) bool {
	return a.ID == b.ID &&
		a.Amount == b.Amount &&
		a.Unit == b.Unit &&
		a.EndpointID == b.EndpointID &&
		a.PaymentType == b.PaymentType &&
		a.Request == b.Request &&
		a.QuoteID == b.QuoteID
}
