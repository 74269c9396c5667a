package policy

import (
	"math/bits"
	"strings"
)

const (
	// MinThreshold and MaxThreshold bound the per-endpoint trigger balance (sats).
	MinThreshold int64 = 1_000
	MaxThreshold int64 = 1_000_000

	// DefaultThreshold is used when neither the endpoint nor the global settings carry a value.
	DefaultThreshold int64 = 10_000

	// MinPercent and MaxPercent bound the share of the balance that is swept.
	// MaxPercent stays below 100 so a fee buffer always remains at the endpoint.
	MinPercent = 90
	MaxPercent = 98

	DefaultPercent = 95
)

// GlobalSettings holds the process-wide switch and the fallbacks used by endpoints without overrides.
type GlobalSettings struct {
	Enabled          bool
	DefaultThreshold int64
	DefaultPercent   int
	DefaultAddress   string
}

// DefaultGlobalSettings returns the settings used before anything has been configured.
// Auto-withdraw is off until explicitly enabled.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		Enabled:          false,
		DefaultThreshold: DefaultThreshold,
		DefaultPercent:   DefaultPercent,
	}
}

// Override is a per-endpoint override. Nil fields inherit from GlobalSettings.
type Override struct {
	EndpointID string

	Enabled   *bool
	Threshold *int64
	Percent   *int
	Address   *string
}

// Settings is the effective configuration for one endpoint.
type Settings struct {
	EndpointID string

	// Eligible is the result of IsEligible for this endpoint.
	Eligible bool

	Threshold int64
	Percent   int
	Address   string
}

// IsEligible reports whether an endpoint may be swept.
//
// Endpoints are opt-out: once the global switch is on, every endpoint is eligible
// unless it carries an explicit enabled=false override.
func IsEligible(global GlobalSettings, override *bool) bool {
	if !global.Enabled {
		return false
	}
	if override == nil {
		return true
	}
	return *override
}

// Resolve merges an endpoint override over the global fallbacks.
func Resolve(global GlobalSettings, o Override) Settings {
	s := Settings{
		EndpointID: o.EndpointID,
		Eligible:   IsEligible(global, o.Enabled),
		Threshold:  global.DefaultThreshold,
		Percent:    global.DefaultPercent,
		Address:    global.DefaultAddress,
	}
	if s.Threshold == 0 {
		s.Threshold = DefaultThreshold
	}
	if s.Percent == 0 {
		s.Percent = DefaultPercent
	}
	if o.Threshold != nil {
		s.Threshold = *o.Threshold
	}
	if o.Percent != nil {
		s.Percent = *o.Percent
	}
	if o.Address != nil {
		s.Address = *o.Address
	}
	return s
}

// ShouldTrigger returns true iff the endpoint is eligible, has a destination, and balance >= threshold.
func ShouldTrigger(s Settings, balance int64) bool {
	if !s.Eligible {
		return false
	}
	if strings.TrimSpace(s.Address) == "" {
		return false
	}
	return balance >= s.Threshold
}

// WithdrawAmount computes floor(balance * percent / 100).
//
// It uses 128-bit intermediate math so large balances cannot overflow, and never
// returns more than balance even if percent is out of range.
func WithdrawAmount(s Settings, balance int64) int64 {
	if balance <= 0 || s.Percent <= 0 {
		return 0
	}
	pct := uint64(s.Percent)
	if pct >= 100 {
		return balance
	}
	hi, lo := bits.Mul64(uint64(balance), pct)
	q, _ := bits.Div64(hi, lo, 100)
	return int64(q)
}

// ClampThreshold bounds v to [MinThreshold, MaxThreshold].
func ClampThreshold(v int64) int64 {
	switch {
	case v < MinThreshold:
		return MinThreshold
	case v > MaxThreshold:
		return MaxThreshold
	default:
		return v
	}
}

// ClampPercent bounds v to [MinPercent, MaxPercent].
func ClampPercent(v int) int {
	switch {
	case v < MinPercent:
		return MinPercent
	case v > MaxPercent:
		return MaxPercent
	default:
		return v
	}
}
