package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS autowithdraw_history (
	seq BIGSERIAL PRIMARY KEY,
	record_id TEXT NOT NULL UNIQUE,
	endpoint_id TEXT NOT NULL,
	destination_address TEXT NOT NULL,
	requested_amount BIGINT NOT NULL,
	fee_amount BIGINT NOT NULL DEFAULT 0,
	quote_id TEXT,
	state SMALLINT NOT NULL,
	error_message TEXT,

	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT record_id_nonempty CHECK (record_id <> ''),
	CONSTRAINT endpoint_id_nonempty CHECK (endpoint_id <> ''),
	CONSTRAINT amounts_nonneg CHECK (requested_amount >= 0 AND fee_amount >= 0)
);

CREATE INDEX IF NOT EXISTS autowithdraw_history_state_idx ON autowithdraw_history (state);
`
