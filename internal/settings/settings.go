// Package settings stores the auto-withdraw configuration: one global record plus
// optional per-endpoint overrides. Missing records read as defaults; writes clamp
// thresholds and percentages into the allowed bounds.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juno-intents/autowithdraw/internal/policy"
)

var ErrInvalidInput = errors.New("settings: invalid input")

type Store interface {
	Global(ctx context.Context) (policy.GlobalSettings, error)
	SetGlobal(ctx context.Context, g policy.GlobalSettings) (policy.GlobalSettings, error)

	// Endpoint returns the override for endpointID, or an override with only
	// EndpointID set when none is stored.
	Endpoint(ctx context.Context, endpointID string) (policy.Override, error)
	SetEndpoint(ctx context.Context, o policy.Override) (policy.Override, error)
	DeleteEndpoint(ctx context.Context, endpointID string) error
	ListEndpoints(ctx context.Context) ([]policy.Override, error)
}

// Resolve loads the global settings and the endpoint override and merges them.
func Resolve(ctx context.Context, s Store, endpointID string) (policy.Settings, error) {
	g, err := s.Global(ctx)
	if err != nil {
		return policy.Settings{}, err
	}
	o, err := s.Endpoint(ctx, endpointID)
	if err != nil {
		return policy.Settings{}, err
	}
	return policy.Resolve(g, o), nil
}

// NormalizeGlobal fills zero values with defaults and clamps the rest.
func NormalizeGlobal(g policy.GlobalSettings) policy.GlobalSettings {
	if g.DefaultThreshold == 0 {
		g.DefaultThreshold = policy.DefaultThreshold
	}
	if g.DefaultPercent == 0 {
		g.DefaultPercent = policy.DefaultPercent
	}
	g.DefaultThreshold = policy.ClampThreshold(g.DefaultThreshold)
	g.DefaultPercent = policy.ClampPercent(g.DefaultPercent)
	g.DefaultAddress = strings.TrimSpace(g.DefaultAddress)
	return g
}

// NormalizeOverride clamps the fields that are set. An empty endpoint id is rejected.
func NormalizeOverride(o policy.Override) (policy.Override, error) {
	o.EndpointID = strings.TrimSpace(o.EndpointID)
	if o.EndpointID == "" {
		return policy.Override{}, fmt.Errorf("%w: missing endpoint id", ErrInvalidInput)
	}
	if o.Threshold != nil {
		v := policy.ClampThreshold(*o.Threshold)
		o.Threshold = &v
	}
	if o.Percent != nil {
		v := policy.ClampPercent(*o.Percent)
		o.Percent = &v
	}
	if o.Address != nil {
		v := strings.TrimSpace(*o.Address)
		o.Address = &v
	}
	return o, nil
}

func validEndpointID(endpointID string) (string, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return "", fmt.Errorf("%w: missing endpoint id", ErrInvalidInput)
	}
	return endpointID, nil
}
