package reload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves time forward and runs due timers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.stopped && !timer.at.After(c.now) {
			due = append(due, timer)
			continue
		}
		remaining = append(remaining, timer)
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, timer := range due {
		timer.fn()
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ReloadDelay = 30 * time.Second
	cfg.MinReloadInterval = 30 * time.Second
	cfg.MaxReloads = 10000
	return cfg
}

func TestTriggerArmsOncePerLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := newFakeClock()
	reloads := 0

	c := New(store, testConfig(), Options{Reload: func() { reloads++ }, Clock: clock})
	c.Trigger(ctx, "fetch response logged")
	c.Trigger(ctx, "xhr response logged")

	if c.State() != Armed {
		t.Fatalf("state = %v, want armed", c.State())
	}
	if len(clock.timers) != 1 {
		t.Fatalf("timers = %d, want 1", len(clock.timers))
	}

	clock.Advance(29 * time.Second)
	if reloads != 0 {
		t.Fatalf("reload fired before the delay")
	}
	clock.Advance(time.Second)
	if reloads != 1 {
		t.Fatalf("reloads = %d, want 1", reloads)
	}

	state := LoadState(ctx, store)
	if state.Reloads != 1 || state.LastReloadAt != clock.Now().UnixMilli() {
		t.Fatalf("persisted state = %+v", state)
	}
}

func TestIntervalGuardAcrossReloads(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	clock := newFakeClock()
	cfg := testConfig()
	cfg.ReloadDelay = 0
	attempts := 0

	first := New(store, cfg, Options{Reload: func() { attempts++ }, Clock: clock})
	first.Trigger(ctx, "fetch response logged")
	clock.Advance(0)
	if attempts != 1 {
		t.Fatalf("first load should reload, attempts = %d", attempts)
	}

	// Next page load sees a response 5000 ms after the last reload.
	clock.Advance(5 * time.Second)
	second := New(store, cfg, Options{Reload: func() { attempts++ }, Clock: clock})
	second.Trigger(ctx, "fetch response logged")
	clock.Advance(0)
	if attempts != 1 {
		t.Fatalf("responses 5000 ms apart must produce one reload, attempts = %d", attempts)
	}
	if second.State() != Idle {
		t.Fatalf("interval skip must leave the controller idle, got %v", second.State())
	}

	// The same load re-arms on a later response once the interval passed.
	clock.Advance(25 * time.Second)
	second.Trigger(ctx, "fetch response logged")
	clock.Advance(0)
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 after the interval", attempts)
	}
}

func TestMaxReloadsExhausts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	if err := SaveState(ctx, store, models.ReloadState{Reloads: 3, LastReloadAt: 0}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := testConfig()
	cfg.MaxReloads = 3
	clock := newFakeClock()

	c := New(store, cfg, Options{Reload: func() { t.Fatalf("must not reload") }, Clock: clock})
	c.Trigger(ctx, "xhr response logged")
	if c.State() != Exhausted {
		t.Fatalf("state = %v, want exhausted", c.State())
	}

	// Exhaustion is terminal for the load even if the counter were lowered.
	SaveState(ctx, store, models.ReloadState{})
	c.Trigger(ctx, "xhr response logged")
	if c.State() != Exhausted || len(clock.timers) != 0 {
		t.Fatalf("exhausted controller must ignore triggers")
	}
}

func TestReloadCountNeverExceedsMax(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cfg := testConfig()
	cfg.MaxReloads = 2
	cfg.ReloadDelay = 0
	clock := newFakeClock()

	for load := 0; load < 5; load++ {
		c := New(store, cfg, Options{Reload: func() {}, Clock: clock})
		c.Trigger(ctx, "fetch response logged")
		clock.Advance(time.Minute)
	}

	if got := LoadState(ctx, store).Reloads; got != 2 {
		t.Fatalf("reloads = %d, want 2", got)
	}
}

func TestVisibilityGate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ReloadOnlyWhenVisible = true
	clock := newFakeClock()
	visible := false

	c := New(storage.NewMemoryStore(), cfg, Options{
		Reload:  func() {},
		Visible: func(context.Context) bool { return visible },
		Clock:   clock,
	})
	c.Trigger(ctx, "fetch response logged")
	if c.State() != Idle {
		t.Fatalf("hidden page must stay idle, got %v", c.State())
	}

	visible = true
	c.Trigger(ctx, "fetch response logged")
	if c.State() != Armed {
		t.Fatalf("visible page should arm, got %v", c.State())
	}
}

func TestDisabledControllerIgnoresTriggers(t *testing.T) {
	cfg := testConfig()
	cfg.ReloadEnabled = false
	clock := newFakeClock()

	c := New(storage.NewMemoryStore(), cfg, Options{Reload: func() {}, Clock: clock})
	c.Trigger(context.Background(), "fetch response logged")
	if c.State() != Idle || len(clock.timers) != 0 {
		t.Fatalf("disabled controller must not arm")
	}
}

func TestCorruptStateUsesDefaults(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.Set(ctx, storage.KeyReloadState, []byte(`{"reloads":"many"}`))

	if got := LoadState(ctx, store); got != (models.ReloadState{}) {
		t.Fatalf("state = %+v, want zero", got)
	}
}
