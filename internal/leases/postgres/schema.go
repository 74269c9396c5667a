package postgres

// A released lease keeps its row with an empty owner so the epoch keeps counting.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS autowithdraw_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	epoch BIGINT NOT NULL DEFAULT 1,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT autowithdraw_leases_epoch_pos CHECK (epoch > 0)
);
`
