package reconciler

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/longhouse-sh/control-plane/internal/clock"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
)

const (
	backoffInitial = time.Second
	backoffMax     = time.Minute
)

// Passer runs one reconcile pass for an instance.
type Passer interface {
	Reconcile(ctx context.Context, instanceID string) Outcome
}

// Pool serializes reconcile work per instance across N workers. An instance
// always hashes to the same worker, so its passes are totally ordered.
// Concurrent enqueues for one instance coalesce into a dirty flag.
type Pool struct {
	rec   Passer
	clock clock.Clock
	log   *logging.Logger

	workers []*worker
	wg      sync.WaitGroup

	mu      sync.Mutex
	backoff map[string]time.Duration
}

type worker struct {
	mu    sync.Mutex
	dirty map[string]struct{}
	wake  chan struct{}
}

// NewPool creates a Pool with n workers. Workers start on Run.
func NewPool(rec Passer, n int, clk clock.Clock, log *logging.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		rec:     rec,
		clock:   clk,
		log:     log,
		backoff: make(map[string]time.Duration),
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{
			dirty: make(map[string]struct{}),
			wake:  make(chan struct{}, 1),
		})
	}
	return p
}

// Enqueue marks an instance dirty. Safe from any goroutine; duplicate
// enqueues while a pass is pending collapse into one.
func (p *Pool) Enqueue(instanceID string) {
	if instanceID == "" {
		return
	}
	w := p.workers[p.workerFor(instanceID)]

	w.mu.Lock()
	w.dirty[instanceID] = struct{}{}
	w.mu.Unlock()
	p.updateQueueDepth()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run starts all workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.runWorker(ctx, w)
	}
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		for {
			id, ok := w.take()
			if !ok {
				break
			}
			p.updateQueueDepth()
			if ctx.Err() != nil {
				return
			}
			p.runOne(ctx, w, id)
		}
	}
}

// runOne executes a pass and decides whether the instance re-enters the
// queue: mutations re-enter immediately, transient failures re-enter after
// an exponential backoff, terminal outcomes wait for the next trigger.
func (p *Pool) runOne(ctx context.Context, w *worker, id string) {
	outcome := p.rec.Reconcile(ctx, id)
	switch outcome {
	case OutcomeMutated:
		p.resetBackoff(id)
		p.Enqueue(id)
	case OutcomeBlocked:
		d := p.nextBackoff(id)
		p.log.Info("reconcile backing off", "instance", id, "delay", d)
		go func() {
			select {
			case <-p.clock.After(d):
				p.Enqueue(id)
			case <-ctx.Done():
			}
		}()
	default:
		p.resetBackoff(id)
	}
}

// take pops one dirty instance, or reports the set empty.
func (w *worker) take() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.dirty {
		delete(w.dirty, id)
		return id, true
	}
	return "", false
}

func (p *Pool) workerFor(instanceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return int(h.Sum32()) % len(p.workers)
}

func (p *Pool) nextBackoff(id string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.backoff[id]
	if !ok {
		d = backoffInitial
	} else {
		d *= 2
		if d > backoffMax {
			d = backoffMax
		}
	}
	p.backoff[id] = d
	return d
}

func (p *Pool) resetBackoff(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.backoff, id)
}

func (p *Pool) updateQueueDepth() {
	total := 0
	for _, w := range p.workers {
		w.mu.Lock()
		total += len(w.dirty)
		w.mu.Unlock()
	}
	metrics.QueueDepth.Set(float64(total))
}
