// Package sampler drives periodic snapshots of the tasks currently on a CPU.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rxtx-hosting/kernlens/pkg/hook"
)

// TaskSource lists the tasks that are on a CPU right now.
type TaskSource interface {
	ActiveTasks() ([]hook.Context, error)
}

// Target receives one call per active task and tick.
type Target interface {
	Sample(ctx *hook.Context)
}

// Sampler invokes its targets at a fixed cadence.
type Sampler struct {
	source   TaskSource
	targets  []Target
	interval time.Duration

	ticks   atomic.Uint64
	samples atomic.Uint64
}

// New creates a sampler. interval must be positive.
func New(source TaskSource, interval time.Duration, targets ...Target) (*Sampler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid sample interval %s", interval)
	}
	return &Sampler{source: source, targets: targets, interval: interval}, nil
}

// IntervalFromRate converts a sampling rate to a tick interval; a zero rate
// means one sample per second.
func IntervalFromRate(hz uint32) time.Duration {
	if hz == 0 {
		return time.Second
	}
	return time.Second / time.Duration(hz)
}

// Tick samples every active task once. Tasks without a user process are
// skipped.
func (s *Sampler) Tick() error {
	tasks, err := s.source.ActiveTasks()
	if err != nil {
		return fmt.Errorf("failed to list active tasks: %w", err)
	}
	s.ticks.Add(1)
	for i := range tasks {
		if tasks[i].Kernel() {
			continue
		}
		for _, t := range s.targets {
			t.Sample(&tasks[i])
		}
		s.samples.Add(1)
	}
	return nil
}

// Run ticks until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				slog.Error("Error sampling tasks", "error", err)
			}
		}
	}
}

// Ticks counts completed ticks.
func (s *Sampler) Ticks() uint64 { return s.ticks.Load() }

// Samples counts tasks handed to the targets.
func (s *Sampler) Samples() uint64 { return s.samples.Load() }
