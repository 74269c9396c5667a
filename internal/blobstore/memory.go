package blobstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryStore versions objects with a store-wide counter, so a version is never reused even
// after a delete.
type memoryStore struct {
	prefix string

	mu      sync.Mutex
	seq     uint64
	objects map[string]Object
}

func newMemoryStore(prefix string) *memoryStore {
	return &memoryStore{prefix: prefix, objects: make(map[string]Object)}
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.Lock()
	obj, ok := m.objects[joinKey(m.prefix, key)]
	m.mu.Unlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Labels = cloneLabels(obj.Labels)
	return obj, nil
}

func (m *memoryStore) Put(_ context.Context, key string, data []byte, opts PutOptions) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := opts.validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	full := joinKey(m.prefix, key)
	cur, exists := m.objects[full]
	switch {
	case opts.CreateOnly && exists:
		return "", fmt.Errorf("%w: %s already exists", ErrConflict, key)
	case opts.MatchVersion != "" && (!exists || cur.Version != opts.MatchVersion):
		return "", fmt.Errorf("%w: %s is not at version %s", ErrConflict, key, opts.MatchVersion)
	}

	m.seq++
	version := strconv.FormatUint(m.seq, 10)
	m.objects[full] = Object{
		Key:         key,
		Data:        append([]byte(nil), data...),
		Version:     version,
		ContentType: strings.TrimSpace(opts.ContentType),
		Labels:      cloneLabels(opts.Labels),
		Modified:    time.Now().UTC(),
	}
	return version, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, joinKey(m.prefix, key))
	m.mu.Unlock()
	return nil
}
