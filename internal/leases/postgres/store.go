package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/autowithdraw/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store is a leases.Store on postgres. Expiry is judged by the database clock so engines with
// skewed clocks still agree on who holds the wallet.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// millis rounds ttl to the interval postgres is given, never below one millisecond.
func millis(ttl time.Duration) int64 {
	return max(ttl.Milliseconds(), 1)
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := leases.CheckHold(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	l := leases.Lease{Name: name, Owner: owner}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO autowithdraw_leases AS l (name, owner, epoch, expires_at)
		VALUES ($1, $2, 1, now() + $3::bigint * interval '1 millisecond')
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			epoch = l.epoch + 1,
			expires_at = EXCLUDED.expires_at,
			acquired_at = now()
		WHERE l.expires_at <= now()
		RETURNING epoch, expires_at
	`, name, owner, millis(ttl)).Scan(&l.Epoch, &l.ExpiresAt)
	switch {
	case err == nil:
		return l, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %s: %w", name, err)
	}

	cur, err := s.Get(ctx, name)
	if errors.Is(err, leases.ErrNotFound) {
		// Released between the upsert and the read; report a lost race and let the caller retry.
		return leases.Lease{Name: name}, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, err
	}
	return cur, false, nil
}

func (s *Store) Extend(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, error) {
	if err := leases.CheckHold(name, owner, ttl); err != nil {
		return leases.Lease{}, err
	}

	l := leases.Lease{Name: name, Owner: owner}
	err := s.pool.QueryRow(ctx, `
		UPDATE autowithdraw_leases
		SET expires_at = now() + $3::bigint * interval '1 millisecond'
		WHERE name = $1 AND owner = $2 AND expires_at > now()
		RETURNING epoch, expires_at
	`, name, owner, millis(ttl)).Scan(&l.Epoch, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, fmt.Errorf("%w: %s", leases.ErrNotOwner, name)
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: extend %s: %w", name, err)
	}
	return l, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if err := leases.CheckOwner(name, owner); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE autowithdraw_leases
		SET owner = '', expires_at = now()
		WHERE name = $1 AND owner = $2
	`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %s: %w", name, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	switch _, err := s.Get(ctx, name); {
	case errors.Is(err, leases.ErrNotFound):
		return nil
	case err != nil:
		return err
	default:
		return fmt.Errorf("%w: %s", leases.ErrNotOwner, name)
	}
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if err := leases.CheckOwner(name, "-"); err != nil {
		return leases.Lease{}, err
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		SELECT owner, epoch, expires_at FROM autowithdraw_leases WHERE name = $1 AND owner <> ''
	`, name).Scan(&l.Owner, &l.Epoch, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, fmt.Errorf("%w: %s", leases.ErrNotFound, name)
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %s: %w", name, err)
	}
	return l, nil
}
