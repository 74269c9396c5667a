// Package leases stores expiring named holds. The withdrawal guard keeps one per wallet so that
// engines sharing the wallet never run two attempts at once.
package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

// Lease is the current hold on Name. Epoch grows by one on every successful acquisition, so a
// holder can tell its own tenure apart from a later one by the same owner.
type Lease struct {
	Name      string
	Owner     string
	Epoch     int64
	ExpiresAt time.Time
}

// Live reports whether the lease still blocks other owners at now.
func (l Lease) Live(now time.Time) bool {
	return l.Owner != "" && now.Before(l.ExpiresAt)
}

type Store interface {
	// TryAcquire takes name for owner when it is free or lapsed. When someone holds it, the
	// current lease comes back with ok=false.
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (l Lease, ok bool, err error)
	// Extend pushes a live lease held by owner out to ttl from now. A lapsed or foreign lease
	// gives ErrNotOwner.
	Extend(ctx context.Context, name, owner string, ttl time.Duration) (Lease, error)
	// Release drops the lease. Releasing a missing lease is a no-op; a foreign one is ErrNotOwner.
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

// CheckHold validates the arguments shared by TryAcquire and Extend.
func CheckHold(name, owner string, ttl time.Duration) error {
	if err := CheckOwner(name, owner); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl %s", ErrInvalidInput, ttl)
	}
	return nil
}

func CheckOwner(name, owner string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty lease name", ErrInvalidInput)
	}
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: empty lease owner", ErrInvalidInput)
	}
	return nil
}
