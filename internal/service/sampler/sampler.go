// Package sampler drives periodic frame capture for one session.
package sampler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/empath/backend/internal/telemetry"
)

const DefaultInterval = 2 * time.Second

var skippedTicks = telemetry.Counter("affect.sampler.skipped", "Sampler ticks skipped because a cycle was still running")

// Job is one capture cycle. It must return once ctx is cancelled.
type Job func(ctx context.Context) error

// Sampler runs Job on a fixed period, never overlapping cycles.
type Sampler struct {
	name     string
	interval time.Duration
	job      Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	busy    atomic.Bool
	skipped atomic.Int64
	cycles  atomic.Int64
}

// New creates a stopped sampler. name only labels log lines.
func New(name string, interval time.Duration, job Job) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{name: name, interval: interval, job: job}
}

// Start begins ticking under parent. It reports false when already running.
func (s *Sampler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
	log.Printf("[sampler] started %s every %s", s.name, s.interval)
	return true
}

// Stop cancels the loop and any cycle in flight, then waits for both to exit.
// It reports false when the sampler was not running.
func (s *Sampler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	log.Printf("[sampler] stopped %s", s.name)
	return true
}

// Running reports whether the sampler is ticking.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Skipped returns how many ticks found a cycle still in flight.
func (s *Sampler) Skipped() int64 { return s.skipped.Load() }

// Cycles returns how many cycles were started.
func (s *Sampler) Cycles() int64 { return s.cycles.Load() }

func (s *Sampler) loop(ctx context.Context, done chan struct{}) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.busy.CompareAndSwap(false, true) {
				s.skipped.Add(1)
				telemetry.Add(ctx, skippedTicks)
				continue
			}
			s.cycles.Add(1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.busy.Store(false)
				if err := s.job(ctx); err != nil && ctx.Err() == nil {
					log.Printf("[sampler] %s cycle failed: %v", s.name, err)
				}
			}()
		}
	}
}
