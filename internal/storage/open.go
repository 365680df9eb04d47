package storage

import (
	"context"
	"errors"
	"strings"

	logx "sismobot/pkg/logx"
)

// Store is the audit persistence API.
type Store interface {
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	// CountSince returns how many deliveries succeeded and failed since t.
	CountSince(ctx context.Context, t int64) (ok, failed int, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
