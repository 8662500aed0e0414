package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type recordingProvider struct {
	calls   int32
	failN   int32 // fail this many times before succeeding
	sent    chan string
}

func (p *recordingProvider) Send(ctx context.Context, userID, message string) error {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= p.failN {
		return errors.New("simulated delivery failure")
	}
	if p.sent != nil {
		p.sent <- message
	}
	return nil
}

func TestQueue_DeliversOneOfMixedPriorities(t *testing.T) {
	provider := &recordingProvider{sent: make(chan string, 10)}
	q := New(Config{NumWorkers: 1, QueueSize: 10, MaxRetries: 0}, provider, nil)
	defer q.Close()

	_ = q.Enqueue(context.Background(), Notification{ID: "low", Priority: PriorityLow, Message: "low"})
	_ = q.Enqueue(context.Background(), Notification{ID: "high", Priority: PriorityHigh, Message: "high"})

	select {
	case msg := <-provider.sent:
		if msg != "high" && msg != "low" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestQueue_RetriesOnFailureThenSucceeds(t *testing.T) {
	provider := &recordingProvider{failN: 2, sent: make(chan string, 1)}
	q := New(Config{NumWorkers: 1, QueueSize: 10, MaxRetries: 3}, provider, nil)
	defer q.Close()

	_ = q.Enqueue(context.Background(), Notification{ID: "n1", Priority: PriorityHigh, Message: "retry-me"})

	select {
	case <-provider.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for eventual delivery")
	}

	_, delivered, _ := q.Metrics()
	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestQueue_ExhaustsRetriesAndMarksFailed(t *testing.T) {
	provider := &recordingProvider{failN: 100}
	q := New(Config{NumWorkers: 1, QueueSize: 10, MaxRetries: 1}, provider, nil)
	defer q.Close()

	_ = q.Enqueue(context.Background(), Notification{ID: "n1", Priority: PriorityHigh, Message: "always-fails"})

	deadline := time.After(5 * time.Second)
	for {
		_, _, failed := q.Metrics()
		if failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for failure to register")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestQueue_ScheduleWithoutRedisUsesInProcessTimer(t *testing.T) {
	provider := &recordingProvider{sent: make(chan string, 1)}
	q := New(Config{NumWorkers: 1, QueueSize: 10}, provider, nil)
	defer q.Close()

	err := q.Schedule(context.Background(), Notification{ID: "n1", Priority: PriorityNormal, Message: "delayed"}, time.Now().Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case msg := <-provider.sent:
		if msg != "delayed" {
			t.Errorf("got %q, want %q", msg, "delayed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled notification never delivered")
	}
}
