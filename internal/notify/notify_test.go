package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	kit "sismobot/internal/transport"
	logx "sismobot/pkg/logx"
)

type recordingAdapter struct {
	kit.Adapter

	mu    sync.Mutex
	texts []string
}

func (a *recordingAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *recordingAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNotifySendsWithPriorityPrefix(t *testing.T) {
	ad := &recordingAdapter{}
	n := New(Config{RatePerSec: 100}, ad, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	if err := n.Critical("renderer down"); err != nil {
		t.Fatalf("Critical: %v", err)
	}
	waitFor(t, func() bool { return len(ad.sent()) == 1 })
	if got := ad.sent()[0]; !strings.HasSuffix(got, "renderer down") || !strings.HasPrefix(got, "🚨") {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	ad := &recordingAdapter{}
	n := New(Config{RatePerSec: 100, Cooldown: time.Minute}, ad, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	for i := 0; i < 3; i++ {
		if err := n.Warn("feed unreachable"); err != nil {
			t.Fatalf("Warn: %v", err)
		}
	}
	// Critical bypasses the cooldown. Send the same text twice.
	if err := n.Critical("feed unreachable"); err != nil {
		t.Fatalf("Critical: %v", err)
	}
	if err := n.Critical("feed unreachable"); err != nil {
		t.Fatalf("Critical: %v", err)
	}

	waitFor(t, func() bool { return len(ad.sent()) == 3 })
	time.Sleep(20 * time.Millisecond)
	if got := len(ad.sent()); got != 3 {
		t.Fatalf("sent %d messages, want 3 (1 warn + 2 critical)", got)
	}
}

func TestStopRejectsNewNotices(t *testing.T) {
	ad := &recordingAdapter{}
	n := New(Config{RatePerSec: 100}, ad, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	n.Stop(stopCtx)

	if err := n.Info("late"); err != ErrStopped {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
