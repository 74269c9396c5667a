package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/autowithdraw/internal/policy"
	"github.com/juno-intents/autowithdraw/internal/settings"
)

var ErrInvalidConfig = errors.New("settings/postgres: invalid config")

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
		return fmt.Errorf("settings/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Global(ctx context.Context) (policy.GlobalSettings, error) {
	if s == nil || s.pool == nil {
		return policy.GlobalSettings{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		g       policy.GlobalSettings
		percent int32
	)
	err := s.pool.QueryRow(ctx, `
		SELECT enabled, default_threshold, default_percent, default_address
		FROM autowithdraw_global_settings
		WHERE id = 1
	`).Scan(&g.Enabled, &g.DefaultThreshold, &percent, &g.DefaultAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return policy.DefaultGlobalSettings(), nil
		}
		return policy.GlobalSettings{}, fmt.Errorf("settings/postgres: get global: %w", err)
	}
	g.DefaultPercent = int(percent)
	return g, nil
}

func (s *Store) SetGlobal(ctx context.Context, g policy.GlobalSettings) (policy.GlobalSettings, error) {
	if s == nil || s.pool == nil {
		return policy.GlobalSettings{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	g = settings.NormalizeGlobal(g)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO autowithdraw_global_settings (id, enabled, default_threshold, default_percent, default_address, updated_at)
		VALUES (1, $1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
			default_threshold = EXCLUDED.default_threshold,
			default_percent = EXCLUDED.default_percent,
			default_address = EXCLUDED.default_address,
			updated_at = now()
	`, g.Enabled, g.DefaultThreshold, int32(g.DefaultPercent), g.DefaultAddress)
	if err != nil {
		return policy.GlobalSettings{}, fmt.Errorf("settings/postgres: set global: %w", err)
	}
	return g, nil
}

func (s *Store) Endpoint(ctx context.Context, endpointID string) (policy.Override, error) {
	if s == nil || s.pool == nil {
		return policy.Override{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	o, err := settings.NormalizeOverride(policy.Override{EndpointID: endpointID})
	if err != nil {
		return policy.Override{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT endpoint_id, enabled, threshold, percent, address
		FROM autowithdraw_endpoint_settings
		WHERE endpoint_id = $1
	`, o.EndpointID)
	got, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, nil
		}
		return policy.Override{}, fmt.Errorf("settings/postgres: get endpoint: %w", err)
	}
	return got, nil
}

func (s *Store) SetEndpoint(ctx context.Context, o policy.Override) (policy.Override, error) {
	if s == nil || s.pool == nil {
		return policy.Override{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	o, err := settings.NormalizeOverride(o)
	if err != nil {
		return policy.Override{}, err
	}

	var percent *int32
	if o.Percent != nil {
		v := int32(*o.Percent)
		percent = &v
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO autowithdraw_endpoint_settings (endpoint_id, enabled, threshold, percent, address, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (endpoint_id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
			threshold = EXCLUDED.threshold,
			percent = EXCLUDED.percent,
			address = EXCLUDED.address,
			updated_at = now()
	`, o.EndpointID, o.Enabled, o.Threshold, percent, o.Address)
	if err != nil {
		return policy.Override{}, fmt.Errorf("settings/postgres: set endpoint: %w", err)
	}
	return o, nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, endpointID string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	o, err := settings.NormalizeOverride(policy.Override{EndpointID: endpointID})
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM autowithdraw_endpoint_settings WHERE endpoint_id = $1`, o.EndpointID); err != nil {
		return fmt.Errorf("settings/postgres: delete endpoint: %w", err)
	}
	return nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]policy.Override, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT endpoint_id, enabled, threshold, percent, address
		FROM autowithdraw_endpoint_settings
		ORDER BY endpoint_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("settings/postgres: list endpoints: %w", err)
	}
	defer rows.Close()

	var out []policy.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("settings/postgres: scan endpoint: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settings/postgres: list rows: %w", err)
	}
	return out, nil
}

func scanOverride(row pgx.Row) (policy.Override, error) {
	var (
		o       policy.Override
		percent *int32
	)
	if err := row.Scan(&o.EndpointID, &o.Enabled, &o.Threshold, &percent, &o.Address); err != nil {
		return policy.Override{}, err
	}
	if percent != nil {
		v := int(*percent)
		o.Percent = &v
	}
	return o, nil
}
