package busclient

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakePublisher records published messages and lets the test inject
// replies by correlation id, standing in for a live broker.
type fakePublisher struct {
	mu        sync.Mutex
	published []amqp.Publishing
	closed    bool
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) lastCorrelationID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return ""
	}
	return f.published[len(f.published)-1].CorrelationId
}

func newTestClient() (*Client, *fakePublisher, chan delivery) {
	pub := &fakePublisher{}
	c := newClient(pub, "reply.q")
	deliveries := make(chan delivery)
	go c.consumeReplies(deliveries)
	return c, pub, deliveries
}

func TestCallCorrelatesReplyToWaiter(t *testing.T) {
	c, pub, deliveries := newTestClient()
	defer close(deliveries)

	done := make(chan struct{})
	var body []byte
	var callErr error
	go func() {
		body, callErr = c.Call(context.Background(), "some.queue", []byte(`{"hello":"world"}`))
		close(done)
	}()

	var corrID string
	for i := 0; i < 100 && corrID == ""; i++ {
		corrID = pub.lastCorrelationID()
		if corrID == "" {
			time.Sleep(time.Millisecond)
		}
	}
	if corrID == "" {
		t.Fatalf("publish never observed")
	}
	deliveries <- delivery{correlationID: corrID, body: []byte(`"reply"`)}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("call did not complete")
	}
	if callErr != nil {
		t.Fatalf("unexpected error: %v", callErr)
	}
	if string(body) != `"reply"` {
		t.Fatalf("got %q", body)
	}
}

func TestCallConcurrentCorrelationNoCrossTalk(t *testing.T) {
	c, _, deliveries := newTestClient()
	defer close(deliveries)

	const n = 8
	results := make([]string, n)
	var wg sync.WaitGroup
	corrIDs := make(chan string, n)

	// Drain publishes into a channel so the delivery-feeding goroutine
	// below can reply to each one independently of call ordering.
	origPub := c.publishCh.(*fakePublisher)
	go func() {
		last := 0
		for {
			origPub.mu.Lock()
			for last < len(origPub.published) {
				corrIDs <- origPub.published[last].CorrelationId
				last++
			}
			origPub.mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, err := c.Call(context.Background(), "q", []byte("payload"))
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			results[i] = string(body)
		}(i)
	}

	for i := 0; i < n; i++ {
		id := <-corrIDs
		deliveries <- delivery{correlationID: id, body: []byte(id)}
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, r := range results {
		if r == "" {
			t.Fatalf("missing result")
		}
		if seen[r] {
			t.Fatalf("duplicate correlation result %q", r)
		}
		seen[r] = true
	}
}

func TestCallCancellationDropsLateReplyAndDoesNotLeak(t *testing.T) {
	c, pub, deliveries := newTestClient()
	defer close(deliveries)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = c.Call(ctx, "q", []byte("x"))
		close(done)
	}()

	var corrID string
	for i := 0; i < 100 && corrID == ""; i++ {
		corrID = pub.lastCorrelationID()
		if corrID == "" {
			time.Sleep(time.Millisecond)
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("call did not unblock on cancellation")
	}
	if callErr != ErrCancelled {
		t.Fatalf("got %v", callErr)
	}

	deadline := time.After(200 * time.Millisecond)
	for {
		if c.PendingCount() == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("correlation map leaked after cancellation")
		case <-time.After(time.Millisecond):
		}
	}

	// A late reply for the now-forgotten correlation id must not panic
	// or block the consumer loop.
	deliveries <- delivery{correlationID: corrID, body: []byte("late")}
}

func TestFailAllPendingUnblocksWaiters(t *testing.T) {
	c, _, deliveries := newTestClient()
	defer close(deliveries)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = c.Call(context.Background(), "q", []byte("x"))
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	c.failAllPending()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("call did not unblock after connection loss")
	}
	if callErr != ErrUpstreamUnavailable {
		t.Fatalf("got %v", callErr)
	}
	if c.Healthy() {
		t.Fatalf("expected client to report unhealthy after failAllPending")
	}
}
