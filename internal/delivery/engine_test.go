package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"sismobot/internal/model"
	kit "sismobot/internal/transport"
	logx "sismobot/pkg/logx"
)

type sentCall struct {
	chatID    int64
	text      string
	parseMode string
	photo     bool
}

// scriptedAdapter returns the queued errors in order, then succeeds.
type scriptedAdapter struct {
	kit.Adapter

	mu    sync.Mutex
	errs  []error
	calls []sentCall
}

func (a *scriptedAdapter) pop() error {
	if len(a.errs) == 0 {
		return nil
	}
	err := a.errs[0]
	a.errs = a.errs[1:]
	return err
}

func (a *scriptedAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, sentCall{chatID: to.ChatID, text: text, parseMode: opt.ParseMode})
	return kit.MessageRef{ChatID: to.ChatID}, a.pop()
}

func (a *scriptedAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, _ string, caption string, opt kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, sentCall{chatID: to.ChatID, text: caption, parseMode: opt.ParseMode, photo: true})
	return kit.MessageRef{ChatID: to.ChatID}, a.pop()
}

type fakeDir struct {
	eligible []string
	removed  []string
}

func (d *fakeDir) ListEligible(model.Severity) []string { return d.eligible }
func (d *fakeDir) Unsubscribe(id string) error {
	d.removed = append(d.removed, id)
	return nil
}

func newTestEngine(ad kit.Adapter, dir Directory) (*Engine, *[]time.Duration) {
	e := NewEngine(Config{
		RetryMax:      3,
		RetryBase:     time.Second,
		RetryMaxDelay: 30 * time.Second,
		PaceDelay:     300 * time.Millisecond,
	}, ad, dir, nil, nil, logx.Nop())
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func transientErr() error {
	return &kit.SendError{Kind: kit.KindTransient, Err: errors.New("boom")}
}

func TestSendToOneSucceedsFirstTry(t *testing.T) {
	ad := &scriptedAdapter{}
	e, slept := newTestEngine(ad, &fakeDir{})
	if err := e.SendToOne(context.Background(), "55", Message{Text: "hola"}); err != nil {
		t.Fatalf("SendToOne: %v", err)
	}
	if len(ad.calls) != 1 || ad.calls[0].chatID != 55 {
		t.Fatalf("unexpected calls %+v", ad.calls)
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected sleeps %v", *slept)
	}
}

func TestSendToOneExhaustsBudgetWithBackoff(t *testing.T) {
	ad := &scriptedAdapter{errs: []error{transientErr(), transientErr(), transientErr(), transientErr()}}
	e, slept := newTestEngine(ad, &fakeDir{})

	err := e.SendToOne(context.Background(), "55", Message{Text: "hola"})
	if err == nil {
		t.Fatal("expected error after budget exhausted")
	}
	if len(ad.calls) != 3 {
		t.Fatalf("attempts = %d, want 3", len(ad.calls))
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if diff := cmp.Diff(want, *slept); diff != "" {
		t.Fatalf("backoff mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitWaitsWithoutConsumingBudget(t *testing.T) {
	ad := &scriptedAdapter{errs: []error{
		&kit.SendError{Kind: kit.KindRateLimited, RetryAfter: 7 * time.Second, Err: errors.New("429")},
		&kit.SendError{Kind: kit.KindRateLimited, RetryAfter: 7 * time.Second, Err: errors.New("429")},
		&kit.SendError{Kind: kit.KindRateLimited, RetryAfter: 7 * time.Second, Err: errors.New("429")},
	}}
	e, slept := newTestEngine(ad, &fakeDir{})

	// Three flood waits then success: more rounds than the retry budget,
	// proving the waits are free.
	if err := e.SendToOne(context.Background(), "55", Message{Text: "hola"}); err != nil {
		t.Fatalf("SendToOne: %v", err)
	}
	if len(ad.calls) != 4 {
		t.Fatalf("attempts = %d, want 4", len(ad.calls))
	}
	want := []time.Duration{7 * time.Second, 7 * time.Second, 7 * time.Second}
	if diff := cmp.Diff(want, *slept); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}
}

func TestBadMarkupFallsBackToPlainOnce(t *testing.T) {
	ad := &scriptedAdapter{errs: []error{
		&kit.SendError{Kind: kit.KindBadMarkup, Err: errors.New("can't parse entities")},
	}}
	e, _ := newTestEngine(ad, &fakeDir{})

	if err := e.SendToOne(context.Background(), "55", Message{Text: "*broken"}); err != nil {
		t.Fatalf("SendToOne: %v", err)
	}
	if len(ad.calls) != 2 {
		t.Fatalf("attempts = %d, want 2", len(ad.calls))
	}
	if ad.calls[0].parseMode != kit.ParseModeMarkdown {
		t.Fatalf("first attempt parse mode = %q", ad.calls[0].parseMode)
	}
	if ad.calls[1].parseMode != "" {
		t.Fatalf("fallback attempt parse mode = %q, want plain", ad.calls[1].parseMode)
	}
}

func TestBlockedRemovesSubscriberImmediately(t *testing.T) {
	ad := &scriptedAdapter{errs: []error{
		&kit.SendError{Kind: kit.KindBlocked, Err: errors.New("forbidden: bot was blocked")},
	}}
	dir := &fakeDir{}
	e, slept := newTestEngine(ad, dir)

	if err := e.SendToOne(context.Background(), "55", Message{Text: "hola"}); err == nil {
		t.Fatal("expected error for blocked chat")
	}
	if len(ad.calls) != 1 {
		t.Fatalf("attempts = %d, want 1 (no retries for blocked)", len(ad.calls))
	}
	if diff := cmp.Diff([]string{"55"}, dir.removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected sleeps %v", *slept)
	}
}

func TestBroadcastContinuesPastFailures(t *testing.T) {
	// Second subscriber fails all attempts; first and third succeed.
	ad := &failByChatAdapter{failChat: 2}
	dir := &fakeDir{eligible: []string{"1", "2", "3"}}
	e, slept := newTestEngine(ad, dir)

	alert := &model.Alert{ID: "evt-1", Severity: model.SeverityModerate}
	res := e.Broadcast(context.Background(), alert, Message{Text: "hola"})
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v, want Sent=2 Failed=1", res)
	}
	// Two pace delays (before subscribers 2 and 3) plus two backoffs for
	// subscriber 2's failed retries.
	var paces int
	for _, d := range *slept {
		if d == 300*time.Millisecond {
			paces++
		}
	}
	if paces != 2 {
		t.Fatalf("pace delays = %d, want 2 (slept: %v)", paces, *slept)
	}
}

func TestBroadcastSendsPhotoWhenImagePresent(t *testing.T) {
	ad := &scriptedAdapter{}
	dir := &fakeDir{eligible: []string{"9"}}
	e, _ := newTestEngine(ad, dir)

	alert := &model.Alert{ID: "evt-2", Severity: model.SeverityMajor}
	res := e.Broadcast(context.Background(), alert, Message{Text: "caption", ImagePath: "/tmp/card.png"})
	if res.Sent != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(ad.calls) != 1 || !ad.calls[0].photo {
		t.Fatalf("expected photo send, got %+v", ad.calls)
	}
}

type failByChatAdapter struct {
	kit.Adapter
	failChat int64
}

func (a *failByChatAdapter) SendText(_ context.Context, to kit.ChatTarget, _ string, _ kit.SendOptions) (kit.MessageRef, error) {
	if to.ChatID == a.failChat {
		return kit.MessageRef{}, transientErr()
	}
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	warns []string
}

func (n *countingNotifier) Warn(text string) error {
	n.mu.Lock()
	n.warns = append(n.warns, text)
	n.mu.Unlock()
	return nil
}

func TestStatsEscalatesEveryNth(t *testing.T) {
	admin := &countingNotifier{}
	s := NewStats(5, admin)
	for i := 0; i < 12; i++ {
		s.Record("55", kit.KindTransient, errors.New("boom"))
	}
	if got := len(admin.warns); got != 2 {
		t.Fatalf("escalations = %d, want 2 (at 5 and 10)", got)
	}
	total, byKind, recent := s.Snapshot()
	if total != 12 || byKind[kit.KindTransient] != 12 {
		t.Fatalf("snapshot total=%d byKind=%v", total, byKind)
	}
	if len(recent) != recentFailures {
		t.Fatalf("recent = %d, want %d", len(recent), recentFailures)
	}
}
