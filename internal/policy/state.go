package policy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProcessState holds the runtime switches the policy engine consults on
// every execution. All fields are atomics so gate checks never contend
// with the pipeline.
type ProcessState struct {
	consecutiveGatewayFailures atomic.Int64
	canaryCount                atomic.Int64
	canaryLimit                atomic.Int64
	killSwitch                 atomic.Bool
	expansionFrozen            atomic.Bool
}

// NewProcessState returns state with the given canary limit and the
// kill switch set from executionEnabled.
func NewProcessState(canaryLimit int, executionEnabled bool) *ProcessState {
	s := &ProcessState{}
	s.canaryLimit.Store(int64(canaryLimit))
	s.killSwitch.Store(!executionEnabled)
	return s
}

func (s *ProcessState) GatewayFailures() int64 { return s.consecutiveGatewayFailures.Load() }
func (s *ProcessState) RecordGatewayFailure() int64 {
	return s.consecutiveGatewayFailures.Add(1)
}
func (s *ProcessState) ResetGatewayFailures() { s.consecutiveGatewayFailures.Store(0) }

func (s *ProcessState) CanaryCount() int64     { return s.canaryCount.Load() }
func (s *ProcessState) IncrementCanary() int64 { return s.canaryCount.Add(1) }
func (s *ProcessState) CanaryLimit() int64     { return s.canaryLimit.Load() }
func (s *ProcessState) SetCanaryLimit(v int64) { s.canaryLimit.Store(v) }

func (s *ProcessState) KillSwitchActive() bool { return s.killSwitch.Load() }
func (s *ProcessState) SetKillSwitch(on bool)  { s.killSwitch.Store(on) }

func (s *ProcessState) ExpansionFrozen() bool { return s.expansionFrozen.Load() }
func (s *ProcessState) setFrozen(frozen bool) { s.expansionFrozen.Store(frozen) }

// WatchFreezeFlag mirrors the presence of a flag file into the frozen
// bit. Creating the file freezes expansion, removing it thaws. An empty
// path disables the watcher.
func (s *ProcessState) WatchFreezeFlag(ctx context.Context, path string, log *slog.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		s.setFrozen(true)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The flag file may not exist yet, so the parent directory is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				_, statErr := os.Stat(path)
				frozen := statErr == nil
				if frozen != s.ExpansionFrozen() {
					s.setFrozen(frozen)
					log.Warn("expansion freeze flag changed", "frozen", frozen, "path", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("freeze flag watcher error", "error", err)
			}
		}
	}()
	return nil
}

// RateGuard caps executions per rolling hour. Timestamps older than the
// window are discarded on each check.
type RateGuard struct {
	Limit int
	Now   func() time.Time

	mu    sync.Mutex
	times []time.Time
}

// Allow records an attempt and reports whether it fits the hourly quota.
func (g *RateGuard) Allow() bool {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	cutoff := now.Add(-time.Hour)

	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.times[:0]
	for _, t := range g.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.times = kept
	if len(g.times) >= g.Limit {
		return false
	}
	g.times = append(g.times, now)
	return true
}
