// Package pool implements a fixed size worker pool whose queue can be paused.
//
// Pause blocks workers before they start a queued task, tasks already running
// are never interrupted. A task dequeued by a worker and held at the pause
// gate is still reported by QueueDepth.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/metrics"
	"github.com/CZERTAINLY/Inspector/internal/model"
)

// ErrShutdownTimeout is returned by Shutdown when the work did not finish in
// time and the pool had to cancel it.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Task is a unit of work. The context is canceled when the pool is forced to
// shut down.
type Task func(ctx context.Context)

type Pool struct {
	name     string
	capacity int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mx     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	gated  int
	active int
	paused bool
	closed bool
}

// New starts workers goroutines. capacity limits the number of queued tasks,
// 0 means unbounded.
func New(name string, workers, capacity int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		capacity: capacity,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.cond = sync.NewCond(&p.mx)
	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}
	return p
}

func (p *Pool) Name() string {
	return p.name
}

// Submit appends a task to the queue. It returns an error wrapping
// model.ErrRejected when the pool is shut down or the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		metrics.Rejected.WithLabelValues(p.name).Inc()
		return fmt.Errorf("%s: %w", p.name, model.ErrPoolShutdown)
	}
	if p.capacity > 0 && len(p.queue) >= p.capacity {
		metrics.Rejected.WithLabelValues(p.name).Inc()
		return fmt.Errorf("%s: %w", p.name, model.ErrQueueFull)
	}
	p.queue = append(p.queue, task)
	p.publish()
	p.cond.Broadcast()
	return nil
}

func (p *Pool) Pause() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.paused = true
	p.publish()
}

func (p *Pool) Resume() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.paused = false
	p.publish()
	p.cond.Broadcast()
}

func (p *Pool) IsPaused() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.paused
}

// QueueDepth returns the number of tasks not started yet.
func (p *Pool) QueueDepth() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.queue) + p.gated
}

func (p *Pool) ActiveCount() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.active
}

// Shutdown stops accepting new tasks and waits up to timeout for queued and
// running tasks. Then it cancels the context of running tasks, abandons the
// queued ones and waits for the workers to exit.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mx.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mx.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
	}

	p.cancel()
	p.mx.Lock()
	abandoned := len(p.queue) + p.gated
	p.queue = nil
	p.publish()
	p.cond.Broadcast()
	p.mx.Unlock()
	<-done

	slog.Warn("pool shutdown timed out", "pool", p.name, "abandoned", abandoned)
	return fmt.Errorf("%s: %w: %d queued tasks abandoned", p.name, ErrShutdownTimeout, abandoned)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(id, task)
		p.mx.Lock()
		p.active--
		p.publish()
		p.mx.Unlock()
	}
}

// next dequeues a task and holds it at the pause gate. It returns false when
// the pool is closed and drained, or canceled.
func (p *Pool) next() (Task, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	for len(p.queue) == 0 && !p.closed && p.ctx.Err() == nil {
		p.cond.Wait()
	}
	if len(p.queue) == 0 || p.ctx.Err() != nil {
		return nil, false
	}

	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.gated++
	for p.paused && p.ctx.Err() == nil {
		p.cond.Wait()
	}
	p.gated--
	if p.ctx.Err() != nil {
		p.publish()
		return nil, false
	}
	p.active++
	p.publish()
	return task, true
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.Panics.WithLabelValues(p.name).Inc()
			slog.Error("task panicked",
				"pool", p.name,
				"worker", id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task(p.ctx)
}

// publish must be called with mx held.
func (p *Pool) publish() {
	metrics.QueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue) + p.gated))
	metrics.ActiveJobs.WithLabelValues(p.name).Set(float64(p.active))
	paused := 0.0
	if p.paused {
		paused = 1
	}
	metrics.Paused.WithLabelValues(p.name).Set(paused)
}
