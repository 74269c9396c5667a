package withdrawal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxHistoryEntries caps the history log; older records are trimmed on append.
const MaxHistoryEntries = 100

var (
	ErrInvalidRecord = errors.New("withdrawal: invalid record")
	ErrNotFound      = errors.New("withdrawal: not found")
	ErrImmutable     = errors.New("withdrawal: record is terminal")
)

type State uint8

const (
	StateUnknown State = iota
	StatePending
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether a record in this state may no longer change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func ParseState(v string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "pending":
		return StatePending, nil
	case "completed":
		return StateCompleted, nil
	case "failed":
		return StateFailed, nil
	default:
		return StateUnknown, fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, v)
	}
}

func (s State) MarshalText() ([]byte, error) {
	if s < StatePending || s > StateFailed {
		return nil, fmt.Errorf("%w: unknown state %d", ErrInvalidRecord, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Record is one automatic withdrawal attempt.
//
// Amounts are in the endpoint's minor unit (sats).
type Record struct {
	ID                 string    `json:"id"`
	EndpointID         string    `json:"endpointId"`
	DestinationAddress string    `json:"destinationAddress"`
	RequestedAmount    int64     `json:"requestedAmount"`
	FeeAmount          int64     `json:"feeAmount"`
	QuoteID            string    `json:"quoteId,omitempty"`
	State              State     `json:"state"`
	CreatedAt          time.Time `json:"createdAt"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
}

// NewRecord starts a pending record for an attempt.
func NewRecord(endpointID, destination string, amount int64, now time.Time) Record {
	return Record{
		ID:                 uuid.NewString(),
		EndpointID:         endpointID,
		DestinationAddress: destination,
		RequestedAmount:    amount,
		State:              StatePending,
		CreatedAt:          now.UTC(),
	}
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.EndpointID) == "" {
		return fmt.Errorf("%w: missing endpoint id", ErrInvalidRecord)
	}
	if r.RequestedAmount < 0 || r.FeeAmount < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidRecord)
	}
	if r.State < StatePending || r.State > StateFailed {
		return fmt.Errorf("%w: unknown state %d", ErrInvalidRecord, uint8(r.State))
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created at", ErrInvalidRecord)
	}
	return nil
}

// prepend returns records with r at the front, trimmed to max entries.
func prepend(records []Record, r Record, max int) []Record {
	out := make([]Record, 0, min(len(records)+1, max))
	out = append(out, r)
	for _, existing := range records {
		if len(out) >= max {
			break
		}
		out = append(out, existing)
	}
	return out
}

// replace swaps the record with r.ID for r. Terminal records are immutable.
func replace(records []Record, r Record) error {
	for i := range records {
		if records[i].ID != r.ID {
			continue
		}
		if records[i].State.Terminal() {
			return ErrImmutable
		}
		records[i] = r
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
}
