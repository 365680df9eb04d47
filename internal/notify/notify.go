// Package notify delivers operational notices to the admin chat through an
// async queue with rate limiting and a repeat-suppression cooldown.
package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "sismobot/internal/transport"
	logx "sismobot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

// Priority levels for admin notices.
const (
	PriorityInfo     = 5
	PriorityWarn     = 7
	PriorityCritical = 9
)

type Notice struct {
	Text     string
	Priority int
}

type Config struct {
	Target     kit.ChatTarget
	QueueSize  int
	RatePerSec int
	// Cooldown suppresses identical notices within the window. Critical
	// notices bypass it.
	Cooldown time.Duration
}

// Notifier queues notices and sends them to the admin chat from a single
// worker. Safe for concurrent use.
type Notifier struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	cfg     Config
	limiter *rate.Limiter

	queue    chan Notice
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}

	// seen maps notice hash -> suppress until.
	seenMu sync.Mutex
	seen   map[uint64]time.Time
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:     log,
		adapter: adapter,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan Notice, cfg.QueueSize),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		seen:    map[uint64]time.Time{},
	}
}

// Start runs the send worker until ctx is canceled or Stop is called.
func (n *Notifier) Start(ctx context.Context) {
	go func() {
		defer close(n.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stopped:
				// Drain what is already queued, bounded.
				drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				n.drain(drainCtx)
				cancel()
				return
			case notice := <-n.queue:
				n.send(ctx, notice)
			}
		}
	}()
}

func (n *Notifier) drain(ctx context.Context) {
	for {
		select {
		case notice := <-n.queue:
			n.send(ctx, notice)
		default:
			return
		}
	}
}

// Stop stops intake and lets the worker drain briefly.
func (n *Notifier) Stop(ctx context.Context) {
	n.stopOnce.Do(func() { close(n.stopped) })
	select {
	case <-n.done:
	case <-ctx.Done():
	}
}

// Notify enqueues a notice. Identical notices inside the cooldown window
// are dropped unless the priority is critical.
func (n *Notifier) Notify(notice Notice) error {
	select {
	case <-n.stopped:
		return ErrStopped
	default:
	}

	if n.cfg.Cooldown > 0 && notice.Priority < PriorityCritical {
		if !n.cooldownAllow(notice.Text) {
			return nil
		}
	}

	select {
	case n.queue <- notice:
		return nil
	default:
		n.log.Warn("admin notice dropped", logx.Int("queue_cap", cap(n.queue)))
		return ErrQueueFull
	}
}

func (n *Notifier) Info(text string) error {
	return n.Notify(Notice{Text: text, Priority: PriorityInfo})
}

func (n *Notifier) Warn(text string) error {
	return n.Notify(Notice{Text: text, Priority: PriorityWarn})
}

func (n *Notifier) Critical(text string) error {
	return n.Notify(Notice{Text: text, Priority: PriorityCritical})
}

func (n *Notifier) cooldownAllow(text string) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()

	now := time.Now()
	n.seenMu.Lock()
	defer n.seenMu.Unlock()
	if until, ok := n.seen[key]; ok && now.Before(until) {
		return false
	}
	n.seen[key] = now.Add(n.cfg.Cooldown)
	for k, until := range n.seen {
		if !now.Before(until) {
			delete(n.seen, k)
		}
	}
	return true
}

func (n *Notifier) send(ctx context.Context, notice Notice) {
	if n.adapter == nil || notice.Text == "" {
		return
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return
	}
	text := prefixForPriority(notice.Priority) + notice.Text

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := n.adapter.SendText(callCtx, n.cfg.Target, text, kit.SendOptions{}); err != nil {
		n.log.Warn("admin notice send failed", logx.Err(err), logx.Int("priority", notice.Priority))
	}
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarn:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}
