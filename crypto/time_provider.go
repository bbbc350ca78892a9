package crypto

import "time"

// TimeProvider abstracts time for deterministic freshness-window tests.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// NowMillis returns the provider's current time in ms since epoch, the unit
// every envelope timestamp uses.
func NowMillis(tp TimeProvider) int64 {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	return tp.Now().UnixMilli()
}
