package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS autowithdraw_global_settings (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	enabled BOOLEAN NOT NULL,
	default_threshold BIGINT NOT NULL,
	default_percent INTEGER NOT NULL,
	default_address TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT singleton CHECK (id = 1),
	CONSTRAINT default_threshold_range CHECK (default_threshold >= 1000 AND default_threshold <= 1000000),
	CONSTRAINT default_percent_range CHECK (default_percent >= 90 AND default_percent <= 98)
);

CREATE TABLE IF NOT EXISTS autowithdraw_endpoint_settings (
	endpoint_id TEXT PRIMARY KEY,
	enabled BOOLEAN,
	threshold BIGINT,
	percent INTEGER,
	address TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT endpoint_id_nonempty CHECK (endpoint_id <> ''),
	CONSTRAINT threshold_range CHECK (threshold IS NULL OR (threshold >= 1000 AND threshold <= 1000000)),
	CONSTRAINT percent_range CHECK (percent IS NULL OR (percent >= 90 AND percent <= 98))
);
`
