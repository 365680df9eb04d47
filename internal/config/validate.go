package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate performs static checks used both at startup and before a hot
// reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		return errors.New("feed.url is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"feed.timeout", cfg.Feed.Timeout},
		{"renderer.timeout", cfg.Renderer.Timeout},
		{"poller.interval", cfg.Poller.Interval},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay},
		{"delivery.pace_delay", cfg.Delivery.PaceDelay},
		{"recovery.notice_cooldown", cfg.Recovery.NoticeCooldown},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	for i, r := range cfg.Feed.SeverityRules {
		if strings.TrimSpace(r.Keyword) == "" {
			return fmt.Errorf("feed.severity_rules[%d]: keyword is required", i)
		}
		switch strings.ToLower(strings.TrimSpace(r.Severity)) {
		case "minor", "moderate", "major":
		default:
			return fmt.Errorf("feed.severity_rules[%d]: unknown severity %q", i, r.Severity)
		}
	}
	if cfg.Storage != nil {
		switch cfg.Storage.Driver {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	return nil
}
