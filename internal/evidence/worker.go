package evidence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/alibi-app/alibi/internal/shared/metrics"
	"github.com/alibi-app/alibi/internal/shared/types"
)

// JobFunc processes one queued record.
type JobFunc func(ctx context.Context, id types.ID) error

// Pool runs proof acquisition in the background. A record is queued at most
// once at a time; Schedule never blocks the caller.
type Pool struct {
	handler JobFunc
	workers int
	log     *slog.Logger

	mu      sync.Mutex
	pending map[types.ID]struct{}
	queue   chan types.ID

	sweep      func(ctx context.Context) error
	sweepEvery time.Duration

	started atomic.Bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int, handler JobFunc, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		handler: handler,
		workers: workers,
		log:     log,
		pending: make(map[types.ID]struct{}),
		queue:   make(chan types.ID, queueSize),
		stopCh:  make(chan struct{}),
	}
}

// WithSweep runs fn every interval while the pool is started. The sweep
// re-queues records Schedule dropped and fails requests stranded by a
// crashed process. Call it before Start.
func (p *Pool) WithSweep(interval time.Duration, fn func(ctx context.Context) error) *Pool {
	p.sweepEvery = interval
	p.sweep = fn
	return p
}

// Schedule queues id. It returns false when id is already queued or the
// queue is full; the next sweep picks up anything dropped.
func (p *Pool) Schedule(id types.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, queued := p.pending[id]; queued {
		return false
	}

	select {
	case p.queue <- id:
		p.pending[id] = struct{}{}
		metrics.SetQueueDepth(len(p.pending))
		return true
	default:
		p.log.Warn("proof queue full", slog.String("id", id.String()))
		return false
	}
}

// Start launches the workers. Work runs under a context derived from ctx
// that Stop cancels when its deadline passes.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("proof pool already started")
	}

	workCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workCtx, i)
	}
	if p.sweep != nil && p.sweepEvery > 0 {
		p.wg.Add(1)
		go p.sweeper(workCtx)
	}
	return nil
}

// Stop stops taking new work and waits for in-flight requests. If ctx ends
// first the in-flight requests are canceled, which records them as
// interrupted.
func (p *Pool) Stop(ctx context.Context) error {
	if !p.started.CompareAndSwap(true, false) {
		return fmt.Errorf("proof pool not started")
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case id := <-p.queue:
			p.mu.Lock()
			delete(p.pending, id)
			metrics.SetQueueDepth(len(p.pending))
			p.mu.Unlock()

			if err := p.handler(ctx, id); err != nil {
				p.log.Error("proof acquisition error",
					slog.Int("worker", n),
					slog.String("id", id.String()),
					"err", err)
			}
		}
	}
}

func (p *Pool) sweeper(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil {
				p.log.Error("proof sweep failed", "err", err)
			}
		}
	}
}
