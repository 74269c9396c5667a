package withdrawal

import "context"

// HistoryLog is the durable, newest-first log of withdrawal attempts.
//
// Semantics:
//   - Append stores a record at the head and trims the oldest beyond MaxHistoryEntries.
//   - List returns a fresh newest-first copy on every call. Stored data that cannot be
//     parsed is reported as an empty history, not an error.
//   - Update replaces a still-pending record (settlement reconciliation). Terminal records are immutable.
//   - Clear drops every record.
type HistoryLog interface {
	Append(ctx context.Context, r Record) error
	List(ctx context.Context) ([]Record, error)
	Update(ctx context.Context, r Record) error
	Clear(ctx context.Context) error
}
