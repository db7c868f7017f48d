// Package worker runs the pool of goroutines that drain the bus's global
// run queue. Workers compete for mailboxes rather than pulling discrete
// tasks off a channel — sizing is still teacher-style (default to
// 2×GOMAXPROCS, overridable), but the thing being rationed is service
// dispatch turns, not closures, so there is no task queue to overflow and
// drop: a mailbox with no worker available to drain it just waits its turn
// on the global queue.
package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"actorbus/internal/bus"
)

// Handler processes one message dispatched from a mailbox.
type Handler func(owner bus.Handle, msg bus.Message)

// Pool owns a fixed number of goroutines, each repeatedly calling
// bus.Dispatch. When the global queue is empty a worker backs off with a
// short, capped sleep rather than spinning — the goroutine-per-core
// equivalent of the original's blocking poll, without requiring the bus to
// expose a wakeup primitive.
type Pool struct {
	b       *bus.Bus
	handler Handler
	logger  zerolog.Logger

	workerCount int
	minBackoff  time.Duration
	maxBackoff  time.Duration

	guard *ResourceGuard

	dispatched int64
	idleTicks  int64

	wg sync.WaitGroup
}

// Config controls pool sizing and backoff.
type Config struct {
	WorkerCount int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// New returns a Pool that dispatches messages from b to handler.
func New(b *bus.Bus, handler Handler, logger zerolog.Logger, cfg Config, guard *ResourceGuard) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2 * runtime.GOMAXPROCS(0)
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 20 * time.Millisecond
	}
	return &Pool{
		b:           b,
		handler:     handler,
		logger:      logger.With().Str("component", "worker_pool").Logger(),
		workerCount: cfg.WorkerCount,
		minBackoff:  cfg.MinBackoff,
		maxBackoff:  cfg.MaxBackoff,
		guard:       guard,
	}
}

// Start launches the pool's goroutines. It returns immediately; call Stop
// to shut the pool down.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info().Int("workers", p.workerCount).Msg("worker pool started")
}

// Stop blocks until every worker goroutine has exited. Callers should
// cancel the context passed to Start before calling Stop.
func (p *Pool) Stop() {
	p.wg.Wait()
	p.logger.Info().Int64("dispatched", p.Dispatched()).Msg("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	backoff := p.minBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.guard != nil && p.guard.ShouldPause() {
			time.Sleep(p.maxBackoff)
			continue
		}

		ok := p.b.Dispatch(func(owner bus.Handle, msg bus.Message) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error().
						Interface("panic", r).
						Uint32("handle", uint32(owner)).
						Msg("service handler panicked")
				}
			}()
			p.handler(owner, msg)
		})

		if !ok {
			atomic.AddInt64(&p.idleTicks, 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < p.maxBackoff {
				backoff *= 2
				if backoff > p.maxBackoff {
					backoff = p.maxBackoff
				}
			}
			continue
		}

		backoff = p.minBackoff
		atomic.AddInt64(&p.dispatched, 1)
	}
}

// Dispatched returns the total number of messages handled across all
// workers since Start.
func (p *Pool) Dispatched() int64 {
	return atomic.LoadInt64(&p.dispatched)
}

// IdleTicks returns how many times a worker found the global queue empty,
// a rough signal for whether the pool is oversized for its workload.
func (p *Pool) IdleTicks() int64 {
	return atomic.LoadInt64(&p.idleTicks)
}
