// Package delivery broadcasts alert messages to subscribers, absorbing the
// failure modes of the chat transport: flood limits, markup rejections,
// blocked chats and transient network errors.
package delivery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sismobot/internal/config"
	"sismobot/internal/eventbus"
	"sismobot/internal/model"
	"sismobot/internal/storage"
	kit "sismobot/internal/transport"
	logx "sismobot/pkg/logx"
	"sismobot/pkg/tgui"
)

// Directory is the subscriber store surface the engine needs.
type Directory interface {
	ListEligible(severity model.Severity) []string
	Unsubscribe(id string) error
}

// AdminNotifier receives failure escalations.
type AdminNotifier interface {
	Warn(text string) error
}

// Auditor persists per-subscriber delivery outcomes. Optional.
type Auditor interface {
	AppendDelivery(ctx context.Context, e storage.DeliveryEntry) error
}

type Config struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	PaceDelay     time.Duration
	EscalateEvery int
}

func (c *Config) applyDefaults() {
	if c.RetryMax <= 0 {
		c.RetryMax = config.DefaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = config.DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = config.DefaultRetryMaxDelay
	}
	if c.PaceDelay <= 0 {
		c.PaceDelay = config.DefaultPaceDelay
	}
	if c.EscalateEvery <= 0 {
		c.EscalateEvery = config.DefaultEscalateEvery
	}
}

// Result summarizes one broadcast.
type Result struct {
	Sent   int
	Failed int
}

// Message is the rendered payload for one alert.
type Message struct {
	Text string
	// ImagePath, when set, is sent as a photo with Text as caption.
	ImagePath string
}

type Engine struct {
	cfg     Config
	adapter kit.Adapter
	dir     Directory
	log     logx.Logger
	bus     eventbus.Bus
	stats   *Stats
	audit   Auditor

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(cfg Config, adapter kit.Adapter, dir Directory, bus eventbus.Bus, admin AdminNotifier, log logx.Logger) *Engine {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		adapter: adapter,
		dir:     dir,
		log:     log,
		bus:     bus,
		stats:   NewStats(cfg.EscalateEvery, admin),
		sleep:   sleepCtx,
	}
}

func (e *Engine) Stats() *Stats { return e.stats }

// SetAuditor installs a persistent audit log for per-subscriber delivery
// outcomes. Must be called before the first Broadcast.
func (e *Engine) SetAuditor(a Auditor) { e.audit = a }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Broadcast sends msg to every subscriber eligible for the alert's
// severity. Individual failures never abort the run; the engine paces
// between subscribers to stay under flood limits.
func (e *Engine) Broadcast(ctx context.Context, alert *model.Alert, msg Message) Result {
	ids := e.dir.ListEligible(alert.Severity)
	var res Result
	for i, id := range ids {
		if ctx.Err() != nil {
			res.Failed += len(ids) - i
			break
		}
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.PaceDelay); err != nil {
				res.Failed += len(ids) - i
				break
			}
		}
		start := time.Now()
		err := e.SendToOne(ctx, id, msg)
		e.recordAudit(ctx, alert, id, err, time.Since(start))
		if err != nil {
			res.Failed++
			continue
		}
		res.Sent++
	}
	e.log.Info("broadcast finished",
		logx.String("alert_id", alert.ID),
		logx.String("severity", alert.Severity.String()),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.AlertBroadcast, Time: time.Now(), Data: res})
	}
	return res
}

// SendToOne delivers msg to a single subscriber with the full retry
// policy:
//
//   - flood-limit waits honor the server's retry-after and do not consume
//     the retry budget
//   - a markup rejection triggers one plain-text resend outside the budget
//   - a blocked or deleted chat removes the subscriber and stops retrying
//   - anything else consumes budget with exponential backoff
func (e *Engine) SendToOne(ctx context.Context, id string, msg Message) error {
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("subscriber id %q: %w", id, err)
	}
	target := kit.ChatTarget{ChatID: chatID}

	text := tgui.Balance(msg.Text)
	opt := kit.SendOptions{ParseMode: kit.ParseModeMarkdown}
	markupFixed := false

	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryMax; {
		err := e.send(ctx, target, text, msg.ImagePath, opt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		kind, retryAfter := kit.Classify(err)
		e.stats.Record(id, kind, err)

		switch kind {
		case kit.KindBlocked:
			// The chat is gone for good; stop delivering to it. The record
			// stays around until an admin purge.
			e.log.Info("subscriber unreachable; unsubscribing", logx.String("id", id), logx.Err(err))
			if derr := e.dir.Unsubscribe(id); derr != nil {
				e.log.Error("unsubscribe failed", logx.String("id", id), logx.Err(derr))
			}
			return err

		case kit.KindRateLimited:
			wait := retryAfter
			if wait <= 0 {
				wait = e.cfg.RetryBase
			}
			e.log.Debug("flood limit; waiting", logx.String("id", id), logx.Duration("wait", wait))
			if serr := e.sleep(ctx, wait); serr != nil {
				return serr
			}
			// Server-imposed waits are not failures of ours.
			continue

		case kit.KindBadMarkup:
			if !markupFixed {
				markupFixed = true
				opt.ParseMode = ""
				e.log.Debug("markup rejected; resending plain", logx.String("id", id))
				continue
			}
			// Plain text was rejected too; burn budget below.
		}

		attempt++
		if attempt >= e.cfg.RetryMax {
			break
		}
		delay := e.backoff(attempt)
		e.log.Debug("send failed; backing off",
			logx.String("id", id),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err))
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TransportFailed, Time: time.Now(), Data: lastErr})
	}
	return fmt.Errorf("send to %s: %w", id, lastErr)
}

func (e *Engine) recordAudit(ctx context.Context, alert *model.Alert, id string, sendErr error, took time.Duration) {
	if e.audit == nil {
		return
	}
	entry := storage.DeliveryEntry{
		At:           time.Now(),
		AlertID:      alert.ID,
		SubscriberID: id,
		Severity:     alert.Severity.String(),
		OK:           sendErr == nil,
		TookMS:       took.Milliseconds(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := e.audit.AppendDelivery(ctx, entry); err != nil {
		e.log.Debug("audit append failed", logx.String("alert_id", alert.ID), logx.Err(err))
	}
}

func (e *Engine) send(ctx context.Context, to kit.ChatTarget, text, imagePath string, opt kit.SendOptions) error {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var err error
	if imagePath != "" {
		_, err = e.adapter.SendPhoto(callCtx, to, imagePath, text, opt)
	} else {
		_, err = e.adapter.SendText(callCtx, to, text, opt)
	}
	return err
}

// backoff returns base * 2^(attempt-1), capped.
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.RetryMaxDelay {
			return e.cfg.RetryMaxDelay
		}
	}
	if d > e.cfg.RetryMaxDelay {
		d = e.cfg.RetryMaxDelay
	}
	return d
}
