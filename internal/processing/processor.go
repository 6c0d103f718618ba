// Package processing runs CPU and IO heavy work (archive extraction, chunk
// reassembly) on a fixed set of worker goroutines so a burst of requests
// cannot start an unbounded number of decompressions.
package processing

import (
	"context"
	"errors"
	"log/slog"
)

// ErrPoolClosed is returned by Do once the pool's context has ended.
var ErrPoolClosed = errors.New("processing pool stopped")

// job carries the work plus a channel for its result.
type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool consumes jobs on a buffered channel.
type Pool struct {
	queue   chan job
	workers int
	stopped chan struct{}
	log     *slog.Logger
}

// New builds a Pool with queue capacity tied to worker count.
func New(workers int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		// Buffered so callers rarely block on the hand-off itself.
		queue:   make(chan job, workers*4),
		workers: workers,
		stopped: make(chan struct{}),
		log:     log,
	}
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		close(p.stopped)
	}()
}

// Do runs fn on a worker and waits for it. A nil Pool runs fn inline, which
// keeps tests and one-shot CLI commands free of goroutine setup.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	select {
	case <-p.stopped:
		return ErrPoolClosed
	default:
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case p.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolClosed
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// The worker still finishes; its result is dropped into the buffer.
		return ctx.Err()
	case <-p.stopped:
		return ErrPoolClosed
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			j.done <- p.run(j)
		}
	}
}

func (p *Pool) run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("processing job panicked", "panic", r)
			err = errors.New("processing job panicked")
		}
	}()
	return j.fn(j.ctx)
}
