package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockTask struct {
	mock.Mock
}

func (m *MockTask) Run(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func startWorker(ctx context.Context, w *Worker) <-chan struct{} {
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		w.Start(ctx)
	}()
	return exited
}

func TestWorker_StartStop(t *testing.T) {
	task := new(MockTask)
	task.On("Run", mock.Anything).Return(nil)

	worker := NewWorker("test", task, 20*time.Millisecond)
	exited := startWorker(context.Background(), worker)

	time.Sleep(90 * time.Millisecond)
	worker.Stop()
	<-exited

	task.AssertCalled(t, "Run", mock.Anything)
}

func TestWorker_ContextCancellation(t *testing.T) {
	var runs atomic.Int32
	worker := NewWorker("test", TaskFunc(func(context.Context) error {
		runs.Add(1)
		return nil
	}), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	exited := startWorker(ctx, worker)

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after cancellation")
	}
}

func TestWorker_KeepsRunningAfterErrorAndPanic(t *testing.T) {
	var runs atomic.Int32
	worker := NewWorker("test", TaskFunc(func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("bad state")
		}
		return nil
	}), 10*time.Millisecond)
	exited := startWorker(context.Background(), worker)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	worker.Stop()
	<-exited
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	worker := NewWorker("test", TaskFunc(func(context.Context) error { return nil }), 10*time.Millisecond)
	exited := startWorker(context.Background(), worker)

	assert.Eventually(t, worker.started.Load, time.Second, time.Millisecond)
	worker.Stop()
	worker.Stop()
	<-exited
}

func TestWorker_StopBeforeStart(t *testing.T) {
	worker := NewWorker("test", TaskFunc(func(context.Context) error { return nil }), time.Hour)
	worker.Stop()

	select {
	case <-startWorker(context.Background(), worker):
	case <-time.After(time.Second):
		t.Fatal("worker started after Stop should return at once")
	}
}

func TestWorker_NonPositiveIntervalDisables(t *testing.T) {
	task := new(MockTask)
	worker := NewWorker("test", task, 0)

	<-startWorker(context.Background(), worker)
	worker.Stop()
	task.AssertNotCalled(t, "Run", mock.Anything)
}
