// Package worker serializes all access to a collection. Every collection
// path gets exactly one worker goroutine; jobs submitted for that path run
// strictly in arrival order, so the sync protocol never sees two requests
// touching the same collection concurrently.
package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ankicommunity/ankisyncd/internal/collection"
)

const (
	// monitorInterval is how often an idle worker checks whether its
	// collection should be closed.
	monitorInterval = 15 * time.Second

	// idleTimeout is how long a worker with an empty queue keeps its
	// collection open before closing it. The worker itself keeps running
	// and reopens the collection on the next job.
	idleTimeout = 90 * time.Second

	// queueDepth bounds how many requests may pile up behind a slow job
	// before submitters block.
	queueDepth = 64
)

// Job is a unit of work executed against an open collection. The return
// value is delivered to the submitter when it waits for the result.
type Job func(col *collection.Collection) (any, error)

type job struct {
	fn       Job
	detached func() (any, error) // runs with the collection closed
	name     string
	result   chan jobResult // nil for fire-and-forget jobs
}

type jobResult struct {
	value any
	err   error
}

// Worker owns a single collection. It opens the collection lazily on the
// first job, saves after every job, and closes the collection after a
// stretch of inactivity.
type Worker struct {
	path   string
	logger *slog.Logger

	jobs chan job
	done chan struct{}

	mu      sync.Mutex
	col     *collection.Collection
	lastJob time.Time
	stopped bool
}

func newWorker(path string, logger *slog.Logger) *Worker {
	w := &Worker{
		path:    path,
		logger:  logger.With(slog.String("collection", path)),
		jobs:    make(chan job, queueDepth),
		done:    make(chan struct{}),
		lastJob: time.Now(),
	}

	go w.run()

	return w
}

// Submit queues a job and waits for its result.
func (w *Worker) Submit(name string, fn Job) (any, error) {
	result := make(chan jobResult, 1)

	select {
	case w.jobs <- job{fn: fn, name: name, result: result}:
	case <-w.done:
		return nil, fmt.Errorf("worker: %s: worker stopped", name)
	}

	select {
	case r := <-result:
		return r.value, r.err
	case <-w.done:
		return nil, fmt.Errorf("worker: %s: worker stopped", name)
	}
}

// SubmitDetached closes the worker's collection handle, then runs fn on the
// worker goroutine with no collection open. Full sync uses this to replace
// or read the database file; the next regular job reopens the collection.
func (w *Worker) SubmitDetached(name string, fn func() (any, error)) (any, error) {
	result := make(chan jobResult, 1)

	select {
	case w.jobs <- job{detached: fn, name: name, result: result}:
	case <-w.done:
		return nil, fmt.Errorf("worker: %s: worker stopped", name)
	}

	select {
	case r := <-result:
		return r.value, r.err
	case <-w.done:
		return nil, fmt.Errorf("worker: %s: worker stopped", name)
	}
}

// SubmitAsync queues a job without waiting. Errors are logged.
func (w *Worker) SubmitAsync(name string, fn Job) {
	select {
	case w.jobs <- job{fn: fn, name: name}:
	case <-w.done:
		w.logger.Warn("job dropped, worker stopped", slog.String("job", name))
	}
}

func (w *Worker) run() {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			w.closeCollection()
			return
		case j := <-w.jobs:
			w.execute(j)
		case <-ticker.C:
			w.maybeCloseIdle()
		}
	}
}

// execute runs one job against the (lazily opened) collection and saves
// afterwards. A panic in a job closes the collection and marks the worker
// stopped so the pool replaces it on the next request.
func (w *Worker) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked",
				slog.String("job", j.name),
				slog.Any("panic", r),
			)

			w.closeCollection()
			w.stop()

			if j.result != nil {
				j.result <- jobResult{err: fmt.Errorf("worker: %s: internal error", j.name)}
			}
		}
	}()

	if j.detached != nil {
		w.closeCollection()

		value, err := j.detached()

		w.mu.Lock()
		w.lastJob = time.Now()
		w.mu.Unlock()

		if j.result != nil {
			j.result <- jobResult{value: value, err: err}
		}

		return
	}

	col, err := w.collection()
	if err != nil {
		w.logger.Error("opening collection",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)

		if j.result != nil {
			j.result <- jobResult{err: err}
		}

		return
	}

	value, err := j.fn(col)

	if saveErr := col.Save(); saveErr != nil && err == nil {
		err = saveErr
	}

	w.mu.Lock()
	w.lastJob = time.Now()
	w.mu.Unlock()

	if j.result != nil {
		j.result <- jobResult{value: value, err: err}
	} else if err != nil {
		w.logger.Error("async job failed",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
		)
	}
}

// collection returns the open collection, opening it if necessary.
func (w *Worker) collection() (*collection.Collection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.col != nil {
		return w.col, nil
	}

	col, err := collection.Open(w.path, w.logger)
	if err != nil {
		return nil, err
	}

	w.col = col

	return col, nil
}

// CloseCollection closes the open collection, if any. Used by full sync,
// which replaces the database file out from under the worker.
func (w *Worker) CloseCollection() {
	w.closeCollection()
}

func (w *Worker) closeCollection() {
	w.mu.Lock()
	col := w.col
	w.col = nil
	w.mu.Unlock()

	if col == nil {
		return
	}

	if err := col.Close(); err != nil {
		w.logger.Warn("closing collection", slog.String("error", err.Error()))
	}
}

// maybeCloseIdle closes the collection when the queue is empty and nothing
// has run for idleTimeout.
func (w *Worker) maybeCloseIdle() {
	w.mu.Lock()
	idle := w.col != nil && len(w.jobs) == 0 && time.Since(w.lastJob) >= idleTimeout
	w.mu.Unlock()

	if !idle {
		return
	}

	w.logger.Debug("closing idle collection")
	w.closeCollection()
}

func (w *Worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	w.stopped = true
	close(w.done)
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.stopped
}

// Pool hands out workers keyed by collection path, guaranteeing a single
// worker per path for the life of the process.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewPool returns an empty pool.
func NewPool(logger *slog.Logger) *Pool {
	return &Pool{
		logger:  logger,
		workers: make(map[string]*Worker),
	}
}

// Get returns the worker for a collection path, creating one if none exists
// or if the previous worker stopped after a crash.
func (p *Pool) Get(path string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.workers[path]; ok && !w.isStopped() {
		return w
	}

	w := newWorker(path, p.logger)
	p.workers[path] = w

	return w
}

// Shutdown stops every worker, closing their collections.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))

	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}
