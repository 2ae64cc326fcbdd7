package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(client, 300*time.Second, nil, WithClock(clock.Now)), clock, mr
}

func TestEnqueueDrainRoundTrip(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	req := q.NewRequest(models.PendingSignal, "a", "b", []byte(`{"sdp":"offer"}`))
	if err := q.Enqueue(ctx, req); err != nil {
		t.Fatal(err)
	}

	got, err := q.Drain(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("first drain returned %d requests, want 1", len(got))
	}
	if got[0].RequestID != req.RequestID || got[0].SenderID != "a" || string(got[0].Payload) != `{"sdp":"offer"}` {
		t.Fatalf("drained request differs: %+v", got[0])
	}

	again, err := q.Drain(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second drain returned %d requests, want 0", len(again))
	}
}

func TestMultipleRequestsPerReceiver(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`))); err != nil {
			t.Fatal(err)
		}
	}
	_ = q.Enqueue(ctx, q.NewRequest(models.PendingTransfer, "a", "c", []byte(`{}`)))

	if n, _ := q.Pending(ctx, "b"); n != 3 {
		t.Fatalf("Pending(b) = %d, want 3", n)
	}
	got, _ := q.Drain(ctx, "b")
	if len(got) != 3 {
		t.Fatalf("Drain(b) = %d, want 3", len(got))
	}
	if n, _ := q.Pending(ctx, "c"); n != 1 {
		t.Fatalf("Pending(c) = %d, want 1, other receivers are untouched", n)
	}
}

func TestExpiryWindowWithoutSweep(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"deliverable at 299s", 299 * time.Second, 1},
		{"gone at 301s", 301 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, clock, _ := newTestQueue(t)
			ctx := context.Background()

			if err := q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`))); err != nil {
				t.Fatal(err)
			}
			clock.Advance(tt.elapsed)

			got, err := q.Drain(ctx, "b")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Fatalf("Drain after %s returned %d, want %d", tt.elapsed, len(got), tt.want)
			}
		})
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`)))
	_ = q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "c", []byte(`{}`)))
	clock.Advance(200 * time.Second)
	_ = q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`)))
	clock.Advance(150 * time.Second)

	removed, err := q.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("Sweep removed %d, want 2", removed)
	}
	if n, _ := q.Pending(ctx, "b"); n != 1 {
		t.Fatalf("Pending(b) = %d, want the newer entry to survive", n)
	}
}

func TestSweepWithNothingExpired(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`)))

	removed, err := q.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("Sweep removed %d, want 0", removed)
	}
}

func TestKeyLivesAsLongAsLatestEntry(t *testing.T) {
	q, clock, mr := newTestQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`)))
	clock.Advance(100 * time.Second)
	_ = q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`)))

	if ttl := mr.TTL(pendingKey("b")); ttl != 300*time.Second {
		t.Fatalf("key TTL = %s, want 300s from the latest entry", ttl)
	}

	old := q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`))
	old.ExpiresAt = clock.Now().Add(10 * time.Second)
	_ = q.Enqueue(ctx, old)
	if ttl := mr.TTL(pendingKey("b")); ttl != 300*time.Second {
		t.Fatalf("short entry shortened key TTL to %s", ttl)
	}
}

func TestEnqueueAlreadyExpiredIsDropped(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	req := q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`))
	req.ExpiresAt = clock.Now().Add(-time.Second)
	if err := q.Enqueue(ctx, req); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Pending(ctx, "b"); n != 0 {
		t.Fatalf("Pending = %d, want 0", n)
	}
}

func TestConcurrentDrainsDeliverAtMostOnce(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_ = q.Enqueue(ctx, q.NewRequest(models.PendingSignal, "a", "b", []byte(`{}`)))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Drain(ctx, "b")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range got {
				seen[r.RequestID]++
			}
		}()
	}
	wg.Wait()

	for id, n := range seen {
		if n > 1 {
			t.Fatalf("request %s delivered %d times", id, n)
		}
	}
}

func TestQueueUnavailable(t *testing.T) {
	q, _, mr := newTestQueue(t)
	mr.Close()
	_, err := q.Drain(context.Background(), "b")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Drain error = %v, want ErrUnavailable", err)
	}
}
