package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 32
	cfg.RetryDelay = time.Millisecond
	cfg.GracefulShutdownTimeout = 5 * time.Second
	return cfg
}

func TestPoolProcessesSubmittedTasks(t *testing.T) {
	var processed int64
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()

	const n = 20
	for i := 0; i < n; i++ {
		if err := pool.Submit(&Task{ID: fmt.Sprintf("task-%d", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	seen := 0
	for seen < n {
		select {
		case res := <-pool.Results():
			if !res.Success {
				t.Errorf("task %s failed: %v", res.TaskID, res.Error)
			}
			seen++
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d results", seen)
		}
	}
	if got := atomic.LoadInt64(&processed); got != n {
		t.Errorf("processed = %d, want %d", got, n)
	}

	if err := pool.Stop(); err != nil {
		t.Fatal(err)
	}
	stats := pool.Stats()
	if stats.TasksSubmitted != n || stats.TasksCompleted != n || stats.TasksFailed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSubmitWaitReturnsTaskResult(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) error {
		if task.Payload == "bad" {
			return errors.New("rejected")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "ok", Payload: "good"})
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	if !res.Success || res.TaskID != "ok" {
		t.Errorf("result = %+v", res)
	}

	res, err = pool.SubmitWait(context.Background(), &Task{ID: "fails", Payload: "bad"})
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	if res.Success || res.Error == nil {
		t.Errorf("result = %+v", res)
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var attempts int64
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "flaky"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if stats := pool.Stats(); stats.TasksRetried != 2 {
		t.Errorf("retried = %d, want 2", stats.TasksRetried)
	}
}

func TestPoolExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	var attempts int64
	pool, err := New(cfg, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("permanent")
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "doomed"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error == nil {
		t.Errorf("result = %+v", res)
	}
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want initial + 2 retries", got)
	}
}

func TestSubmitAfterStopRejected(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) error { return nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := pool.Submit(&Task{ID: "late"}); err == nil {
		t.Error("submit accepted after stop")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	release := make(chan struct{})
	var once sync.Once
	pool, err := New(cfg, func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pool.Start()
	defer func() {
		once.Do(func() { close(release) })
		pool.Stop()
	}()

	// First task occupies the worker, second fills the queue.
	if err := pool.Submit(&Task{ID: "busy"}); err != nil {
		t.Fatal(err)
	}
	// Give the worker a moment to pick the first task up.
	deadline := time.Now().Add(time.Second)
	for pool.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := pool.Submit(&Task{ID: "queued"}); err != nil {
		t.Fatal(err)
	}

	if err := pool.Submit(&Task{ID: "overflow"}); err == nil {
		t.Error("submit accepted with a full queue")
	}
	once.Do(func() { close(release) })
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(testConfig(), nil, nil); err == nil {
		t.Error("nil worker function accepted")
	}
}
