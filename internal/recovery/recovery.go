// Package recovery watches pipeline health events and restarts the alert
// pipeline when consecutive failures cross a threshold. A recovery cycle
// that cannot restore a working transport hands off to a fatal callback so
// the process supervisor (systemd) can restart the whole unit.
package recovery

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"sismobot/internal/config"
	"sismobot/internal/eventbus"
	logx "sismobot/pkg/logx"
)

// Pipeline is the poller surface the controller drives.
type Pipeline interface {
	Start(ctx context.Context)
	Stop(ctx context.Context)
	ResetFirstRun()
}

// Resetter tears down and reinitializes the rendering session.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Prober verifies the chat transport is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// AdminNotifier receives recovery notices.
type AdminNotifier interface {
	Warn(text string) error
	Critical(text string) error
}

type Config struct {
	// FailureThreshold is the consecutive-failure count that triggers a
	// recovery cycle.
	FailureThreshold int
	// StepTimeout bounds each individual recovery step.
	StepTimeout time.Duration
}

type Controller struct {
	cfg      Config
	pipeline Pipeline
	renderer Resetter
	prober   Prober
	admin    AdminNotifier
	bus      eventbus.Bus
	log      logx.Logger

	// fatal is called when recovery itself fails. Defaults to a no-op;
	// main wires it to an exit.
	fatal func(err error)

	failures   atomic.Int64
	recovering atomic.Bool
	cycles     atomic.Int64
}

func NewController(cfg Config, pipeline Pipeline, renderer Resetter, prober Prober, admin AdminNotifier, bus eventbus.Bus, log logx.Logger) *Controller {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = config.DefaultFailureThreshold
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:      cfg,
		pipeline: pipeline,
		renderer: renderer,
		prober:   prober,
		admin:    admin,
		bus:      bus,
		log:      log,
		fatal:    func(error) {},
	}
}

// SetFatalHandler installs the callback invoked when a recovery cycle
// cannot restore service.
func (c *Controller) SetFatalHandler(fn func(err error)) {
	if fn != nil {
		c.fatal = fn
	}
}

// Failures returns the current consecutive-failure count.
func (c *Controller) Failures() int { return int(c.failures.Load()) }

// Cycles returns how many recovery cycles have run.
func (c *Controller) Cycles() int { return int(c.cycles.Load()) }

// Run consumes health events until ctx is canceled. Meant to run under the
// supervisor.
func (c *Controller) Run(ctx context.Context) error {
	events, unsub := c.bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case eventbus.FetchOK:
		c.failures.Store(0)
	case eventbus.FetchFailed, eventbus.TransportFailed, eventbus.AsyncPanic:
		n := c.failures.Add(1)
		c.log.Debug("failure recorded", logx.String("event", ev.Type), logx.Int64("consecutive", n))
		if n >= int64(c.cfg.FailureThreshold) {
			c.Trigger(ctx, fmt.Sprintf("%d consecutive failures (last: %s)", n, ev.Type))
		}
	}
}

// Trigger starts a recovery cycle unless one is already running.
func (c *Controller) Trigger(ctx context.Context, reason string) {
	if !c.recovering.CompareAndSwap(false, true) {
		c.log.Debug("recovery already in progress")
		return
	}
	go func() {
		defer c.recovering.Store(false)
		c.recover(ctx, reason)
	}()
}

func (c *Controller) recover(ctx context.Context, reason string) {
	c.cycles.Add(1)
	c.log.Warn("recovery started", logx.String("reason", reason))
	if c.admin != nil {
		_ = c.admin.Warn("recovery started: " + reason)
	}

	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	c.pipeline.Stop(stopCtx)
	cancel()

	if c.renderer != nil {
		resetCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		if err := c.renderer.Reset(resetCtx); err != nil {
			// A dead renderer degrades alerts to text-only; not fatal.
			c.log.Error("renderer reset failed", logx.Err(err))
		}
		cancel()
	}

	c.failures.Store(0)
	c.pipeline.ResetFirstRun()
	c.pipeline.Start(ctx)

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
	err := c.prober.Probe(probeCtx)
	cancel()
	if err != nil {
		c.log.Error("recovery probe failed", logx.Err(err))
		if c.admin != nil {
			_ = c.admin.Critical("recovery failed; transport unreachable: " + err.Error())
		}
		c.fatal(fmt.Errorf("recovery probe: %w", err))
		return
	}

	c.log.Info("recovery finished", logx.String("reason", reason))
	if c.admin != nil {
		_ = c.admin.Warn("recovery finished; pipeline restarted")
	}
}
