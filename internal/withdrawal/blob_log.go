package withdrawal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/juno-intents/autowithdraw/internal/blobstore"
)

const (
	// DefaultHistoryKey is the object key used by BlobLog when none is configured.
	DefaultHistoryKey = "autowithdraw/history.json"

	blobWriteAttempts = 5
)

// BlobLog keeps the whole history as one JSON array in a blob store. Each change is a
// read-modify-write guarded by the object version, retried when another writer got there first.
type BlobLog struct {
	store blobstore.Store
	key   string
	log   *slog.Logger
}

func NewBlobLog(store blobstore.Store, key string, log *slog.Logger) (*BlobLog, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidRecord)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultHistoryKey
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &BlobLog{store: store, key: key, log: log}, nil
}

func (b *BlobLog) Append(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return b.modify(ctx, func(records []Record) ([]Record, error) {
		return prepend(records, r, MaxHistoryEntries), nil
	})
}

func (b *BlobLog) List(ctx context.Context) ([]Record, error) {
	doc, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.records, nil
}

func (b *BlobLog) Update(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return b.modify(ctx, func(records []Record) ([]Record, error) {
		if err := replace(records, r); err != nil {
			return nil, err
		}
		return records, nil
	})
}

func (b *BlobLog) Clear(ctx context.Context) error {
	if err := b.store.Delete(ctx, b.key); err != nil {
		return fmt.Errorf("withdrawal: clear history: %w", err)
	}
	return nil
}

type historyDoc struct {
	records []Record
	// version is empty when no object exists yet.
	version string
}

func (b *BlobLog) modify(ctx context.Context, fn func([]Record) ([]Record, error)) error {
	for attempt := 1; ; attempt++ {
		doc, err := b.load(ctx)
		if err != nil {
			return err
		}
		next, err := fn(doc.records)
		if err != nil {
			return err
		}
		err = b.save(ctx, next, doc.version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, blobstore.ErrConflict) || attempt >= blobWriteAttempts {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		b.log.Debug("history changed underneath write; retrying", "key", b.key, "attempt", attempt)
	}
}

// load reads the stored array. A missing object is an empty history; so is one that does not parse.
func (b *BlobLog) load(ctx context.Context) (historyDoc, error) {
	obj, err := b.store.Get(ctx, b.key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return historyDoc{records: []Record{}}, nil
	}
	if err != nil {
		return historyDoc{}, fmt.Errorf("withdrawal: load history: %w", err)
	}

	doc := historyDoc{version: obj.Version}
	if err := json.Unmarshal(obj.Data, &doc.records); err != nil {
		b.log.Warn("history object is corrupt; treating as empty", "key", b.key, "err", err)
		doc.records = nil
	}
	if doc.records == nil {
		doc.records = []Record{}
	}
	if len(doc.records) > MaxHistoryEntries {
		doc.records = doc.records[:MaxHistoryEntries]
	}
	return doc, nil
}

func (b *BlobLog) save(ctx context.Context, records []Record, version string) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("withdrawal: marshal history: %w", err)
	}
	opts := blobstore.PutOptions{
		ContentType: "application/json",
		Labels: map[string]string{
			"artifact-type": "autowithdraw-history",
			"entries":       strconv.Itoa(len(records)),
		},
		MatchVersion: version,
		CreateOnly:   version == "",
	}
	if _, err := b.store.Put(ctx, b.key, payload, opts); err != nil {
		return fmt.Errorf("withdrawal: save history: %w", err)
	}
	return nil
}
