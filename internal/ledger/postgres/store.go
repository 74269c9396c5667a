package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/autowithdraw/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

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
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) AddPending(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if s == nil || s.pool == nil {
		return ledger.Entry{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	e.Status = ledger.StatusPending
	if err := e.Validate(); err != nil {
		return ledger.Entry{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO autowithdraw_ledger (
			entry_id,
			endpoint_id,
			amount,
			unit,
			status,
			payment_type,
			request,
			quote_id,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (entry_id) DO NOTHING
	`, e.ID, e.EndpointID, e.Amount, e.Unit, int16(e.Status), e.PaymentType,
		nullIfEmpty(e.Request), nullIfEmpty(e.QuoteID), e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("ledger/postgres: insert entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return e, nil
	}

	existing, err := s.get(ctx, e.ID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if existing.Amount != e.Amount || existing.EndpointID != e.EndpointID || existing.QuoteID != e.QuoteID ||
		existing.Unit != e.Unit || existing.PaymentType != e.PaymentType || existing.Request != e.Request {
		return ledger.Entry{}, fmt.Errorf("%w: entry %s", ledger.ErrConflict, e.ID)
	}
	return existing, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE autowithdraw_ledger
		SET status = $2, updated_at = now()
		WHERE entry_id = $1
	`, id, int16(ledger.StatusCompleted))
	if err != nil {
		return fmt.Errorf("ledger/postgres: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entry %s", ledger.ErrNotFound, id)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]ledger.Entry, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, selectEntries+` ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: list rows: %w", err)
	}
	return out, nil
}

const selectEntries = `
	SELECT entry_id, endpoint_id, amount, unit, status, payment_type,
		COALESCE(request, ''), COALESCE(quote_id, ''), created_at
	FROM autowithdraw_ledger`

func (s *Store) get(ctx context.Context, id string) (ledger.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, selectEntries+` WHERE entry_id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Entry{}, fmt.Errorf("%w: entry %s", ledger.ErrNotFound, id)
		}
		return ledger.Entry{}, fmt.Errorf("ledger/postgres: get entry: %w", err)
	}
	return e, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e      ledger.Entry
		status int16
	)
	if err := row.Scan(&e.ID, &e.EndpointID, &e.Amount, &e.Unit, &status, &e.PaymentType,
		&e.Request, &e.QuoteID, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Status = ledger.Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
