package settings

import (
	"context"
	"sort"
	"sync"

	"github.com/juno-intents/autowithdraw/internal/policy"
)

// MemoryStore is an in-memory Store intended for unit tests and single-process usage.
type MemoryStore struct {
	mu        sync.Mutex
	global    policy.GlobalSettings
	overrides map[string]policy.Override
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		global:    policy.DefaultGlobalSettings(),
		overrides: make(map[string]policy.Override),
	}
}

func (s *MemoryStore) Global(_ context.Context) (policy.GlobalSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global, nil
}

func (s *MemoryStore) SetGlobal(_ context.Context, g policy.GlobalSettings) (policy.GlobalSettings, error) {
	g = NormalizeGlobal(g)

	s.mu.Lock()
	s.global = g
	s.mu.Unlock()
	return g, nil
}

func (s *MemoryStore) Endpoint(_ context.Context, endpointID string) (policy.Override, error) {
	id, err := validEndpointID(endpointID)
	if err != nil {
		return policy.Override{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.overrides[id]
	if !ok {
		return policy.Override{EndpointID: id}, nil
	}
	return cloneOverride(o), nil
}

func (s *MemoryStore) SetEndpoint(_ context.Context, o policy.Override) (policy.Override, error) {
	o, err := NormalizeOverride(o)
	if err != nil {
		return policy.Override{}, err
	}

	s.mu.Lock()
	s.overrides[o.EndpointID] = cloneOverride(o)
	s.mu.Unlock()
	return o, nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, endpointID string) error {
	id, err := validEndpointID(endpointID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.overrides, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context) ([]policy.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]policy.Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, cloneOverride(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

// cloneOverride detaches the pointer fields so callers cannot mutate stored state.
func cloneOverride(o policy.Override) policy.Override {
	out := policy.Override{EndpointID: o.EndpointID}
	if o.Enabled != nil {
		v := *o.Enabled
		out.Enabled = &v
	}
	if o.Threshold != nil {
		v := *o.Threshold
		out.Threshold = &v
	}
	if o.Percent != nil {
		v := *o.Percent
		out.Percent = &v
	}
	if o.Address != nil {
		v := *o.Address
		out.Address = &v
	}
	return out
}
