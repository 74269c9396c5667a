package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/autowithdraw/internal/withdrawal"
)

var ErrInvalidConfig = errors.New("withdrawal/postgres: invalid config")

// Store is a HistoryLog backed by a postgres table. Insertion order (seq) defines newest-first.
type Store struct {
	pool *pgxpool.Pool
	max  int
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, max: withdrawal.MaxHistoryEntries}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("withdrawal/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, r withdrawal.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("withdrawal/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO autowithdraw_history (
			record_id,
			endpoint_id,
			destination_address,
			requested_amount,
			fee_amount,
			quote_id,
			state,
			error_message,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, r.ID, r.EndpointID, r.DestinationAddress, r.RequestedAmount, r.FeeAmount,
		nullIfEmpty(r.QuoteID), int16(r.State), nullIfEmpty(r.ErrorMessage), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("withdrawal/postgres: insert record: %w", err)
	}

	// Trim everything older than the newest max rows.
	_, err = tx.Exec(ctx, `
		DELETE FROM autowithdraw_history
		WHERE seq NOT IN (
			SELECT seq FROM autowithdraw_history ORDER BY seq DESC LIMIT $1
		)
	`, s.max)
	if err != nil {
		return fmt.Errorf("withdrawal/postgres: trim history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("withdrawal/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]withdrawal.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record_id, endpoint_id, destination_address, requested_amount, fee_amount,
			COALESCE(quote_id, ''), state, COALESCE(error_message, ''), created_at
		FROM autowithdraw_history
		ORDER BY seq DESC
		LIMIT $1
	`, s.max)
	if err != nil {
		return nil, fmt.Errorf("withdrawal/postgres: list: %w", err)
	}
	defer rows.Close()

	out := make([]withdrawal.Record, 0, s.max)
	for rows.Next() {
		var (
			r     withdrawal.Record
			state int16
		)
		if err := rows.Scan(&r.ID, &r.EndpointID, &r.DestinationAddress, &r.RequestedAmount, &r.FeeAmount,
			&r.QuoteID, &state, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("withdrawal/postgres: scan record: %w", err)
		}
		r.State = withdrawal.State(state)
		if err := r.Validate(); err != nil {
			// Unparseable history reads as empty.
			return []withdrawal.Record{}, nil
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("withdrawal/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, r withdrawal.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE autowithdraw_history
		SET fee_amount = $2,
			quote_id = $3,
			state = $4,
			error_message = $5,
			updated_at = now()
		WHERE record_id = $1 AND state = $6
	`, r.ID, r.FeeAmount, nullIfEmpty(r.QuoteID), int16(r.State), nullIfEmpty(r.ErrorMessage), int16(withdrawal.StatePending))
	if err != nil {
		return fmt.Errorf("withdrawal/postgres: update record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM autowithdraw_history WHERE record_id = $1)`, r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("withdrawal/postgres: lookup record: %w", err)
	}
	if exists {
		return withdrawal.ErrImmutable
	}
	return fmt.Errorf("%w: %s", withdrawal.ErrNotFound, r.ID)
}

func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM autowithdraw_history`); err != nil {
		return fmt.Errorf("withdrawal/postgres: clear: %w", err)
	}
	return nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
