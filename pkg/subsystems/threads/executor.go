package threads

import (
	"context"
	"errors"
	"fmt"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Executor errors.
var (
	ErrRejected = errors.New("task rejected: executor is at capacity")
	ErrShutdown = errors.New("executor is shut down")
)

// ThreadFactory starts goroutines labelled with the factory's name and group, so
// they can be told apart in profiles.
type ThreadFactory struct {
	Name      string
	GroupName string
	Priority  int

	started atomic.Int64
}

// Go runs fn on a new goroutine.
func (f *ThreadFactory) Go(fn func()) {
	n := f.started.Add(1)
	labels := pprof.Labels("thread-factory", f.Name, "thread-group", f.GroupName, "thread", fmt.Sprint(n))
	go pprof.Do(context.Background(), labels, func(context.Context) { fn() })
}

// Started returns the number of goroutines the factory has started.
func (f *ThreadFactory) Started() int64 { return f.started.Load() }

var defaultFactory = &ThreadFactory{Name: "default"}

// Executor runs tasks on at most MaxThreads goroutines and keeps no queue. A task
// submitted while every slot is busy blocks when Blocking is set, goes to the
// handoff executor when there is one, and is rejected otherwise.
type Executor struct {
	Name       string
	MaxThreads int64
	Blocking   bool
	KeepAlive  time.Duration

	sem     *semaphore.Weighted
	factory *ThreadFactory
	handoff *Executor

	mu       sync.RWMutex
	shutdown bool
	running  sync.WaitGroup
	done     atomic.Int64
}

// NewExecutor creates an executor. A nil factory uses a default one.
func NewExecutor(name string, maxThreads int64, blocking bool, factory *ThreadFactory, handoff *Executor) *Executor {
	if factory == nil {
		factory = defaultFactory
	}
	return &Executor{
		Name:       name,
		MaxThreads: maxThreads,
		Blocking:   blocking,
		sem:        semaphore.NewWeighted(maxThreads),
		factory:    factory,
		handoff:    handoff,
	}
}

// Execute submits task.
func (e *Executor) Execute(ctx context.Context, task func()) error {
	e.mu.RLock()
	if e.shutdown {
		e.mu.RUnlock()
		return ErrShutdown
	}
	e.running.Add(1)
	e.mu.RUnlock()

	acquired := e.sem.TryAcquire(1)
	if !acquired {
		switch {
		case e.Blocking:
			if err := e.sem.Acquire(ctx, 1); err != nil {
				e.running.Done()
				return err
			}
		case e.handoff != nil:
			e.running.Done()
			return e.handoff.Execute(ctx, task)
		default:
			e.running.Done()
			return ErrRejected
		}
	}

	e.factory.Go(func() {
		defer e.running.Done()
		defer e.sem.Release(1)
		defer e.done.Add(1)
		task()
	})
	return nil
}

// Completed returns the number of tasks that have finished.
func (e *Executor) Completed() int64 { return e.done.Load() }

// Shutdown rejects new tasks and waits for running ones, or for ctx to end.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		e.running.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
