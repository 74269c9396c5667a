package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS autowithdraw_ledger (
	seq BIGSERIAL PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	endpoint_id TEXT NOT NULL,
	amount BIGINT NOT NULL,
	unit TEXT NOT NULL,
	status SMALLINT NOT NULL,
	payment_type TEXT NOT NULL,
	request TEXT,
	quote_id TEXT,

	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT entry_id_nonempty CHECK (entry_id <> ''),
	CONSTRAINT amount_nonzero CHECK (amount <> 0)
);

CREATE INDEX IF NOT EXISTS autowithdraw_ledger_quote_idx ON autowithdraw_ledger (endpoint_id, quote_id);
`
