// Package jobs runs periodic background work inside the daemon.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloo-solutions/cseassist/internal/telemetry"
)

// Task is one unit of periodic work.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }

// Worker runs a Task every interval until its context ends or Stop is called.
// A failing or panicking run is logged and the schedule continues.
type Worker struct {
	name     string
	task     Task
	interval time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	runs     int
}

func NewWorker(name string, task Task, interval time.Duration) *Worker {
	return &Worker{
		name:     name,
		task:     task,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called. It must be called once.
func (w *Worker) Start(ctx context.Context) {
	w.started.Store(true)
	defer close(w.done)
	if w.interval <= 0 {
		log.Printf("%s: disabled (interval %v)", w.name, w.interval)
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("%s: every %v", w.name, w.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.runOnce(ctx); err != nil {
				log.Printf("%s: run %d: %v", w.name, w.runs, err)
				telemetry.CaptureError(ctx, err)
			}
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) (err error) {
	w.runs++
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return w.task.Run(ctx)
}

// Stop ends the loop and waits for the current run to finish. Calling it more
// than once, or before Start, is safe; in the latter case it does not wait.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
}
