package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sismobot/internal/eventbus"
	logx "sismobot/pkg/logx"
)

type fakePipeline struct {
	mu      sync.Mutex
	stops   int
	starts  int
	reseeds int
}

func (p *fakePipeline) Start(context.Context) {
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
}

func (p *fakePipeline) Stop(context.Context) {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakePipeline) ResetFirstRun() {
	p.mu.Lock()
	p.reseeds++
	p.mu.Unlock()
}

func (p *fakePipeline) counts() (stops, starts, reseeds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops, p.starts, p.reseeds
}

type fakeResetter struct {
	mu     sync.Mutex
	resets int
	err    error
}

func (r *fakeResetter) Reset(context.Context) error {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
	return r.err
}

type fakeProber struct{ err error }

func (p *fakeProber) Probe(context.Context) error { return p.err }

type noticeRecorder struct {
	mu        sync.Mutex
	warns     []string
	criticals []string
}

func (n *noticeRecorder) Warn(text string) error {
	n.mu.Lock()
	n.warns = append(n.warns, text)
	n.mu.Unlock()
	return nil
}

func (n *noticeRecorder) Critical(text string) error {
	n.mu.Lock()
	n.criticals = append(n.criticals, text)
	n.mu.Unlock()
	return nil
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
	t.Fatal("condition not met before deadline")
}

func TestThresholdTriggersRecovery(t *testing.T) {
	bus := eventbus.New()
	pipe := &fakePipeline{}
	reset := &fakeResetter{}
	c := NewController(Config{FailureThreshold: 3}, pipe, reset, &fakeProber{}, &noticeRecorder{}, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond) // let Run subscribe

	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.FetchFailed, Time: time.Now()})
	}

	waitFor(t, func() bool {
		stops, starts, reseeds := pipe.counts()
		return stops == 1 && starts == 1 && reseeds == 1
	})
	waitFor(t, func() bool {
		reset.mu.Lock()
		defer reset.mu.Unlock()
		return reset.resets == 1
	})
	if c.Failures() != 0 {
		t.Fatalf("failures = %d after recovery, want 0", c.Failures())
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	bus := eventbus.New()
	pipe := &fakePipeline{}
	c := NewController(Config{FailureThreshold: 3}, pipe, &fakeResetter{}, &fakeProber{}, nil, bus, logx.Nop())

	ctx := context.Background()
	c.handle(ctx, eventbus.Event{Type: eventbus.FetchFailed})
	c.handle(ctx, eventbus.Event{Type: eventbus.TransportFailed})
	if c.Failures() != 2 {
		t.Fatalf("failures = %d, want 2", c.Failures())
	}
	c.handle(ctx, eventbus.Event{Type: eventbus.FetchOK})
	if c.Failures() != 0 {
		t.Fatalf("failures = %d after success, want 0", c.Failures())
	}
	stops, _, _ := pipe.counts()
	if stops != 0 {
		t.Fatal("recovery ran below threshold")
	}
}

func TestFailedProbeCallsFatal(t *testing.T) {
	bus := eventbus.New()
	pipe := &fakePipeline{}
	admin := &noticeRecorder{}
	c := NewController(Config{FailureThreshold: 1}, pipe, &fakeResetter{}, &fakeProber{err: errors.New("unauthorized")}, admin, bus, logx.Nop())

	var (
		mu       sync.Mutex
		fatalErr error
	)
	c.SetFatalHandler(func(err error) {
		mu.Lock()
		fatalErr = err
		mu.Unlock()
	})

	c.Trigger(context.Background(), "manual")
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatalErr != nil
	})

	admin.mu.Lock()
	criticals := len(admin.criticals)
	admin.mu.Unlock()
	if criticals != 1 {
		t.Fatalf("critical notices = %d, want 1", criticals)
	}
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	bus := eventbus.New()
	block := make(chan struct{})
	pipe := &blockingPipeline{release: block}
	c := NewController(Config{FailureThreshold: 1}, pipe, nil, &fakeProber{}, nil, bus, logx.Nop())

	ctx := context.Background()
	c.Trigger(ctx, "first")
	c.Trigger(ctx, "second") // must be dropped while first is running
	close(block)

	waitFor(t, func() bool { return c.Cycles() == 1 })
	time.Sleep(20 * time.Millisecond)
	if c.Cycles() != 1 {
		t.Fatalf("cycles = %d, want 1", c.Cycles())
	}
}

type blockingPipeline struct {
	release <-chan struct{}
}

func (p *blockingPipeline) Start(context.Context) {}
func (p *blockingPipeline) Stop(context.Context)  { <-p.release }
func (p *blockingPipeline) ResetFirstRun()        {}
