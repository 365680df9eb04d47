// Package model defines the domain types shared across the relay:
// alert records coming off the feed and the severity scale used both
// by alerts and by subscriber filters.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity is the alert severity scale. For subscriber filters it is the
// minimum severity the subscriber accepts; SeverityAll accepts everything.
type Severity int

const (
	SeverityAll Severity = iota
	SeverityMinor
	SeverityModerate
	SeverityMajor
)

// ParseSeverity accepts the canonical English names plus the Spanish
// aliases the upstream feed and legacy subscribers use.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "todas":
		return SeverityAll, nil
	case "minor", "menor":
		return SeverityMinor, nil
	case "moderate", "moderada":
		return SeverityModerate, nil
	case "major", "mayor":
		return SeverityMajor, nil
	default:
		return SeverityAll, fmt.Errorf("unknown severity %q", s)
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityAll:
		return "all"
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeverityMajor:
		return "major"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Permits reports whether a filter set to s lets an alert of severity
// alert through. SeverityAll permits everything.
func (s Severity) Permits(alert Severity) bool {
	if s == SeverityAll {
		return true
	}
	return alert >= s
}

// MarshalJSON persists severities as readable names so the snapshot file
// stays hand-editable.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Alert is one seismic-alert entry as observed on the upstream feed.
// ID is the stable dedup key; an empty ID means the feed produced no
// usable entry and must never trigger a broadcast.
type Alert struct {
	ID         string
	Headline   string
	Body       string
	Severity   Severity
	ObservedAt time.Time
}
