// Package poller drives the alert pipeline: fetch the feed, skip alerts
// already handled, render a card and hand the result to delivery.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sismobot/internal/config"
	"sismobot/internal/delivery"
	"sismobot/internal/eventbus"
	"sismobot/internal/model"
	"sismobot/internal/render"
	logx "sismobot/pkg/logx"
)

// FeedSource yields the newest alert from the upstream feed.
type FeedSource interface {
	Latest(ctx context.Context) (*model.Alert, error)
}

// Broadcaster fans a message out to eligible subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, alert *model.Alert, msg delivery.Message) delivery.Result
}

type Loop struct {
	interval time.Duration
	feed     FeedSource
	renderer render.Renderer
	bcast    Broadcaster
	dedup    *Dedup
	bus      eventbus.Bus
	log      logx.Logger

	// checking guards against overlapping checks when a manual trigger
	// lands while a scheduled check is still running.
	checking atomic.Bool
	// maintenance suspends alert handling without stopping the loop.
	maintenance atomic.Bool
	// firstRun seeds the dedup state silently so a restart never replays
	// an alert that fired while the bot was down.
	firstRun atomic.Bool

	trigger chan struct{}

	mu       sync.Mutex
	stopCh   chan struct{}
	stopDone chan struct{}
}

func NewLoop(interval time.Duration, feed FeedSource, renderer render.Renderer, bcast Broadcaster, dedup *Dedup, bus eventbus.Bus, log logx.Logger) *Loop {
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		interval: interval,
		feed:     feed,
		renderer: renderer,
		bcast:    bcast,
		dedup:    dedup,
		bus:      bus,
		log:      log,
		trigger:  make(chan struct{}, 1),
	}
	l.firstRun.Store(true)
	return l
}

// Start launches the polling loop. Idempotent.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.stopCh != nil {
		l.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	stopDone := make(chan struct{})
	l.stopCh = stopCh
	l.stopDone = stopDone
	l.mu.Unlock()

	go func() {
		defer close(stopDone)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		// Immediate first check so a fresh start seeds dedup state right
		// away instead of waiting a full interval.
		l.check(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				l.check(ctx)
			case <-l.trigger:
				l.check(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight check to finish.
// Idempotent; Start may be called again afterwards.
func (l *Loop) Stop(ctx context.Context) {
	l.mu.Lock()
	stopCh := l.stopCh
	stopDone := l.stopDone
	l.stopCh = nil
	l.stopDone = nil
	l.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
	}
}

// TriggerCheck requests an immediate check. Coalesces when one is already
// pending.
func (l *Loop) TriggerCheck() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// SetMaintenance toggles maintenance mode. While on, checks are skipped
// entirely so feed or renderer work can proceed undisturbed.
func (l *Loop) SetMaintenance(on bool) {
	l.maintenance.Store(on)
	l.log.Info("maintenance mode", logx.Bool("on", on))
}

func (l *Loop) Maintenance() bool { return l.maintenance.Load() }

// ResetFirstRun re-arms the silent seeding pass. The recovery controller
// calls this after restarting the loop.
func (l *Loop) ResetFirstRun() { l.firstRun.Store(true) }

func (l *Loop) check(ctx context.Context) {
	if l.maintenance.Load() {
		l.log.Debug("check skipped (maintenance)")
		return
	}
	if !l.checking.CompareAndSwap(false, true) {
		l.log.Debug("check skipped (already running)")
		return
	}
	defer l.checking.Store(false)

	alert, err := l.feed.Latest(ctx)
	if err != nil {
		l.log.Warn("feed check failed", logx.Err(err))
		l.publish(eventbus.FetchFailed, err)
		return
	}
	l.publish(eventbus.FetchOK, alert.ID)

	if !l.dedup.IsNew(alert.ID) {
		return
	}

	if l.firstRun.CompareAndSwap(true, false) {
		// Seed without broadcasting: the alert predates this run.
		if err := l.dedup.Commit(alert.ID); err != nil {
			l.log.Error("seed dedup state failed", logx.Err(err))
		}
		l.log.Info("dedup state seeded", logx.String("alert_id", alert.ID))
		return
	}

	// Commit before broadcasting. A crash mid-broadcast must not replay
	// the alert to everyone on restart.
	if err := l.dedup.Commit(alert.ID); err != nil {
		l.log.Error("commit alert id failed", logx.String("alert_id", alert.ID), logx.Err(err))
	}

	msg := delivery.Message{Text: buildMessage(alert)}
	if l.renderer != nil {
		imgPath, rerr := l.renderer.RenderAlertCard(ctx, alert)
		if rerr != nil {
			// Degrade to text-only delivery rather than staying silent.
			l.log.Warn("card render failed; sending text only", logx.String("alert_id", alert.ID), logx.Err(rerr))
			l.publish(eventbus.RenderFailed, rerr)
		} else {
			msg.ImagePath = imgPath
		}
	}

	res := l.bcast.Broadcast(ctx, alert, msg)
	l.log.Info("alert handled",
		logx.String("alert_id", alert.ID),
		logx.String("severity", alert.Severity.String()),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed))
}

func (l *Loop) publish(typ string, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// buildMessage formats the alert as Markdown message text.
func buildMessage(alert *model.Alert) string {
	text := fmt.Sprintf("*%s*", alert.Headline)
	if alert.Body != "" && alert.Body != alert.Headline {
		text += "\n\n" + alert.Body
	}
	text += fmt.Sprintf("\n\nSeveridad: %s", severityLabel(alert.Severity))
	if !alert.ObservedAt.IsZero() {
		text += fmt.Sprintf("\n%s", alert.ObservedAt.Format("2006-01-02 15:04 MST"))
	}
	return text
}

func severityLabel(s model.Severity) string {
	switch s {
	case model.SeverityMinor:
		return "Menor"
	case model.SeverityMajor:
		return "Mayor"
	default:
		return "Moderada"
	}
}
