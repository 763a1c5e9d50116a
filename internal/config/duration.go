package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField reads an optional duration setting. The empty string
// means unset and parses to zero; negative values are rejected.
func ParseDurationField(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the setting is unset.
func ParseDurationOrDefault(name, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
