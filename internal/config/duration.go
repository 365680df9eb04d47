package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration string from a config field. The path
// argument names the field in error messages ("feed.check_interval" and the
// like). An empty or whitespace-only value parses to zero so callers can fall
// back to their own default; negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with the fallback built in:
// an absent or zero value yields def. Timers that must always tick (feed
// polling, notifier cooldowns) read their intervals through this.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
