// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Dispatcher is a fixed pool of goroutines draining an unbounded FIFO of tasks.
// Many mailboxes share one dispatcher.
type Dispatcher struct {
	name     string
	size     int
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool

	wg sync.WaitGroup
}

// NewDispatcher starts size workers.
func NewDispatcher(name string, size int, logger *slog.Logger) *Dispatcher {
	return newDispatcher(name, size, logger, nopObserver{})
}

func newDispatcher(name string, size int, logger *slog.Logger, observer Observer) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		name:     name,
		size:     size,
		logger:   logger,
		observer: observer,
	}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(size)
	for i := 0; i < size; i++ {
		go d.worker()
	}
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return d.size
}

// Submit queues task. It returns false once the dispatcher is stopped.
func (d *Dispatcher) Submit(task func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.tasks = append(d.tasks, task)
	d.mu.Unlock()
	d.cond.Signal()
	return true
}

// Pending returns the number of queued tasks not yet picked up.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// Stop rejects new tasks, lets workers finish the queued ones and waits for
// them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	d.cond.Broadcast()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.tasks) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		task := d.tasks[0]
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
		if len(d.tasks) == 0 {
			d.tasks = nil
		}
		d.mu.Unlock()

		d.run(task)
	}
}

func (d *Dispatcher) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher task panicked",
				slog.String("dispatcher", d.name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	task()
	d.observer.TaskExecuted(d.name)
}
