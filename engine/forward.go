// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"

	"github.com/absmach/fluxrule/cluster"
	"github.com/absmach/fluxrule/core"
)

type forwardJob struct {
	class string
	req   *cluster.ForwardRequest
}

// forwardQueues sends forwards to each member in submission order. Every
// member gets one worker draining its own queue, so messages for one tenant
// or device reach their owner in the order they were routed.
type forwardQueues struct {
	ctx     context.Context
	deliver func(ctx context.Context, to core.ServerAddress, job forwardJob)

	mu      sync.Mutex
	stopped bool
	workers map[core.ServerAddress]*forwardWorker
	wg      sync.WaitGroup
}

type forwardWorker struct {
	mu      sync.Mutex
	pending []forwardJob
	closed  bool
	wake    chan struct{}
}

func newForwardQueues(ctx context.Context, deliver func(context.Context, core.ServerAddress, forwardJob)) *forwardQueues {
	return &forwardQueues{
		ctx:     ctx,
		deliver: deliver,
		workers: make(map[core.ServerAddress]*forwardWorker),
	}
}

// enqueue appends job to the queue of to. It fails with ErrStopped once the
// queues are stopped.
func (q *forwardQueues) enqueue(to core.ServerAddress, job forwardJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	w, ok := q.workers[to]
	if !ok {
		w = &forwardWorker{wake: make(chan struct{}, 1)}
		q.workers[to] = w
		q.wg.Add(1)
		go q.run(to, w)
	}
	// A worker is only closed after it leaves the map, under q.mu.
	w.push(job)
	return nil
}

func (q *forwardQueues) run(to core.ServerAddress, w *forwardWorker) {
	defer q.wg.Done()
	for {
		jobs, closed := w.take()
		for _, job := range jobs {
			q.deliver(q.ctx, to, job)
		}
		if len(jobs) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

// drop retires the worker of addr. Jobs already queued are still delivered.
func (q *forwardQueues) drop(addr core.ServerAddress) {
	q.mu.Lock()
	w, ok := q.workers[addr]
	delete(q.workers, addr)
	q.mu.Unlock()
	if ok {
		w.close()
	}
}

// stop rejects new jobs and waits until every queued job was delivered.
func (q *forwardQueues) stop() {
	q.mu.Lock()
	q.stopped = true
	workers := q.workers
	q.workers = make(map[core.ServerAddress]*forwardWorker)
	q.mu.Unlock()

	for _, w := range workers {
		w.close()
	}
	q.wg.Wait()
}

func (w *forwardWorker) push(job forwardJob) {
	w.mu.Lock()
	w.pending = append(w.pending, job)
	w.mu.Unlock()
	w.signal()
}

func (w *forwardWorker) take() ([]forwardJob, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	jobs := w.pending
	w.pending = nil
	return jobs, w.closed
}

func (w *forwardWorker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

func (w *forwardWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
