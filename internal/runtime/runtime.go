// Package runtime owns the supervisor's background loops (idle session
// sweep, orphan reaping, ledger sampling) and sequences graceful shutdown.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/radiumce/microsandbox/internal/janitor"
	"github.com/radiumce/microsandbox/internal/ledger"
	"github.com/radiumce/microsandbox/internal/session"
)

// LoopHealth is published by each background loop after every tick.
type LoopHealth struct {
	Healthy      bool
	LastTick     time.Time
	LastDuration time.Duration
}

// Config carries the intervals the runtime's loops run at.
type Config struct {
	CleanupInterval       time.Duration // idle session sweep, default 60s
	OrphanCleanupInterval time.Duration // janitor scan cycle, default 5m; the janitor's own reap grace is configured separately at construction
	LedgerSampleInterval  time.Duration // stats snapshot logging, default 30s
	ShutdownTimeout       time.Duration // bound on teardown during Stop, default 30s
}

// Runtime wires the session manager (C8), orphan reaper (C9), and resource
// ledger (C4) into three independently-monitored background loops plus a
// graceful shutdown sequence.
type Runtime struct {
	cfg      Config
	sessions *session.Manager
	jan      *janitor.Janitor
	led      *ledger.Ledger
	logger   *slog.Logger

	mu     sync.RWMutex
	health map[string]LoopHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Runtime. cfg's zero-value fields are replaced with the
// documented defaults.
func New(cfg Config, sessions *session.Manager, jan *janitor.Janitor, led *ledger.Ledger, logger *slog.Logger) *Runtime {
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.OrphanCleanupInterval == 0 {
		cfg.OrphanCleanupInterval = 5 * time.Minute
	}
	if cfg.LedgerSampleInterval == 0 {
		cfg.LedgerSampleInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		sessions: sessions,
		jan:      jan,
		led:      led,
		logger:   logger.With("component", "runtime"),
		health:   make(map[string]LoopHealth),
	}
}

// Start launches all three background loops. It returns immediately; call
// Stop (or cancel the parent context) to tear them down.
func (rt *Runtime) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.runLoop(loopCtx, "idle-sweep", rt.cfg.CleanupInterval, func() {
		n := rt.sessions.SweepIdle()
		if n > 0 {
			rt.logger.Info("swept idle sessions", "count", n)
		}
	})

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.jan.Start(loopCtx, rt.cfg.OrphanCleanupInterval)
	}()

	rt.runLoop(loopCtx, "ledger-sample", rt.cfg.LedgerSampleInterval, func() {
		stats := rt.led.Stats()
		rt.logger.Info("ledger snapshot",
			"active_sessions", stats.ActiveSessions,
			"sum_memory_mib", stats.SumMemoryMiB,
			"sum_cpus", stats.SumCPUs,
			"uptime_seconds", stats.UptimeSeconds,
		)
	})
}

// runLoop runs fn immediately and then every interval, recording LoopHealth
// after each tick, until ctx is cancelled.
func (rt *Runtime) runLoop(ctx context.Context, name string, interval time.Duration, fn func()) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		tick := func() {
			start := time.Now()
			fn()
			rt.mu.Lock()
			rt.health[name] = LoopHealth{Healthy: true, LastTick: start, LastDuration: time.Since(start)}
			rt.mu.Unlock()
		}

		tick()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// Health returns a snapshot of every loop's last observed tick.
func (rt *Runtime) Health() map[string]LoopHealth {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[string]LoopHealth, len(rt.health))
	for k, v := range rt.health {
		out[k] = v
	}
	return out
}

// Stop cancels all background loops and waits for them to exit, bounded by
// the configured shutdown timeout.
func (rt *Runtime) Stop() {
	if rt.cancel == nil {
		return
	}
	rt.cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(rt.cfg.ShutdownTimeout):
		rt.logger.Warn("background loops did not exit within shutdown timeout")
	}
}

// maxConcurrentTeardowns bounds parallel session teardown during shutdown.
const maxConcurrentTeardowns = 5

// TeardownSessions stops every tracked session concurrently (bounded by
// maxConcurrentTeardowns), used once the HTTP listener has stopped
// accepting new requests so in-flight sessions are torn down cleanly
// instead of left for the next orphan-reap cycle to find.
func (rt *Runtime) TeardownSessions(ctx context.Context) {
	sessions := rt.sessions.List()
	if len(sessions) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentTeardowns)
	var wg sync.WaitGroup
	for _, info := range sessions {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			rt.sessions.StopSession(id)
		}(info.ID)
	}
	wg.Wait()
	rt.logger.Info("tore down sessions on shutdown", "count", len(sessions))
}
