package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestDeliversJobs(t *testing.T) {
	q := NewMemory(testLogger(), Options{ScanSlots: 2})
	defer q.Close()

	var mu sync.Mutex
	var got [][]byte
	done := make(chan struct{})

	q.Subscribe(TopicScan, func(ctx context.Context, job Job) error {
		mu.Lock()
		got = append(got, job.Payload)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	q.Start(context.Background())

	for _, p := range []string{"a", "b", "c"} {
		if err := q.Enqueue(context.Background(), TopicScan, []byte(p)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}

func TestScanJobsRetryUpToBudget(t *testing.T) {
	q := NewMemory(testLogger(), Options{ScanSlots: 1, ScanMaxAttempts: 3})
	defer q.Close()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	q.Subscribe(TopicScan, func(ctx context.Context, job Job) error {
		mu.Lock()
		attempts++
		if attempts == 3 {
			close(done)
		}
		mu.Unlock()
		return errors.New("backend down")
	})
	q.Start(context.Background())

	if err := q.Enqueue(context.Background(), TopicScan, []byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for 3 attempts")
	}

	// Give a potential fourth attempt time to show up; it must not.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestRemediationJobsNeverRetry(t *testing.T) {
	q := NewMemory(testLogger(), Options{RemediationSlots: 1, ScanMaxAttempts: 5})
	defer q.Close()

	var mu sync.Mutex
	attempts := 0
	first := make(chan struct{})
	var once sync.Once

	q.Subscribe(TopicRemediation, func(ctx context.Context, job Job) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		once.Do(func() { close(first) })
		return errors.New("fix exploded")
	})
	q.Start(context.Background())

	if err := q.Enqueue(context.Background(), TopicRemediation, []byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("job was never delivered")
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("remediation job retried: %d attempts", attempts)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := NewMemory(testLogger(), Options{})
	q.Close()
	if err := q.Enqueue(context.Background(), TopicScan, []byte("x")); err == nil {
		t.Error("expected error enqueueing on closed queue")
	}
}
