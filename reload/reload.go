// Package reload schedules the self-restart of the watched page, throttled by
// counters that are persisted so they survive the reload they trigger.
package reload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/mapcamera-watch/config"
	"github.com/aluiziolira/mapcamera-watch/metrics"
	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

// State of the controller within one page load.
type State int

const (
	Idle State = iota
	Armed
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Timer is the handle of a scheduled action.
type Timer interface {
	Stop() bool
}

// Clock supplies time and deferred execution.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Options wires the controller to its page.
type Options struct {
	// Reload performs the page reload. Required.
	Reload func()
	// Visible reports whether the page is in the foreground. Nil means always visible.
	Visible func(ctx context.Context) bool
	Clock   Clock
	Metrics *metrics.Metrics
}

// Controller arms at most one reload per page load.
type Controller struct {
	store       storage.Store
	enabled     bool
	delay       time.Duration
	minInterval time.Duration
	maxReloads  int
	onlyVisible bool

	reload  func()
	visible func(ctx context.Context) bool
	clock   Clock
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	timer Timer
}

// New builds a controller in the Idle state.
func New(store storage.Store, cfg *config.Config, opts Options) *Controller {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Controller{
		store:       store,
		enabled:     cfg.ReloadEnabled,
		delay:       cfg.ReloadDelay,
		minInterval: cfg.MinReloadInterval,
		maxReloads:  cfg.MaxReloads,
		onlyVisible: cfg.ReloadOnlyWhenVisible,
		reload:      opts.Reload,
		visible:     opts.Visible,
		clock:       clock,
		metrics:     opts.Metrics,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Trigger is called once per processed response. Only the first call that
// passes every guard arms the reload; later calls are no-ops.
func (c *Controller) Trigger(ctx context.Context, reason string) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return
	}

	state := LoadState(ctx, c.store)

	if state.Reloads >= c.maxReloads {
		c.state = Exhausted
		c.metrics.IncReload("exhausted")
		slog.Warn("auto-reload stopped: max reloads reached",
			slog.String("component", "reload"),
			slog.String("reason", reason),
			slog.Int("reloads", state.Reloads),
			slog.Int("max_reloads", c.maxReloads),
		)
		return
	}

	if c.onlyVisible && c.visible != nil && !c.visible(ctx) {
		c.metrics.IncReload("skipped_hidden")
		slog.Info("auto-reload skipped: page not visible",
			slog.String("component", "reload"),
			slog.String("reason", reason),
		)
		return
	}

	now := c.clock.Now()
	if state.LastReloadAt != 0 {
		elapsed := now.Sub(time.UnixMilli(state.LastReloadAt))
		if elapsed < c.minInterval {
			c.metrics.IncReload("skipped_interval")
			slog.Info("auto-reload skipped: too soon",
				slog.String("component", "reload"),
				slog.String("reason", reason),
				slog.Int64("elapsed_ms", elapsed.Milliseconds()),
				slog.Int64("min_interval_ms", c.minInterval.Milliseconds()),
			)
			return
		}
	}

	c.state = Armed
	c.metrics.IncReload("scheduled")
	slog.Info("auto-reload scheduled",
		slog.String("component", "reload"),
		slog.String("reason", reason),
		slog.Int64("in_ms", c.delay.Milliseconds()),
	)
	c.timer = c.clock.AfterFunc(c.delay, func() { c.fire(context.WithoutCancel(ctx)) })
}

// Stop cancels an armed reload. Used only when the process shuts down.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Controller) fire(ctx context.Context) {
	state := LoadState(ctx, c.store)
	state.Reloads++
	state.LastReloadAt = c.clock.Now().UnixMilli()
	if err := SaveState(ctx, c.store, state); err != nil {
		slog.Warn("persist reload state failed",
			slog.String("component", "reload"),
			slog.Any("error", err),
		)
	}

	slog.Info("auto-reload firing",
		slog.String("component", "reload"),
		slog.Int("reloads", state.Reloads),
		slog.Int64("last_reload_at", state.LastReloadAt),
	)
	if c.reload != nil {
		c.reload()
	}
}

// LoadState reads the persisted reload state. Missing, corrupt or unreadable
// state yields the zero state.
func LoadState(ctx context.Context, store storage.Store) models.ReloadState {
	var state models.ReloadState
	if err := storage.LoadJSON(ctx, store, storage.KeyReloadState, &state); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("reload state unreadable, using defaults",
				slog.String("component", "reload"),
				slog.Any("error", err),
			)
		}
		return models.ReloadState{}
	}
	if state.Reloads < 0 {
		state.Reloads = 0
	}
	if state.LastReloadAt < 0 {
		state.LastReloadAt = 0
	}
	return state
}

// SaveState persists state.
func SaveState(ctx context.Context, store storage.Store, state models.ReloadState) error {
	return storage.SaveJSON(ctx, store, storage.KeyReloadState, state)
}
