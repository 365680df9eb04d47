package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the delivery audit log.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry records one broadcast send outcome.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At           time.Time
	AlertID      string
	SubscriberID string
	Severity     string
	OK           bool
	Error        string
	TookMS       int64
}
