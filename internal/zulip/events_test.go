// ABOUTME: Tests for the long-poll event source
// ABOUTME: Queue expiry must re-register once and resume without losing events

package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBudget keeps the reconnect attempt count but drops the delay so
// budget tests run in milliseconds.
func testBudget() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), maxReconnectAttempts-1)
}

// fakeEventServer scripts register/get_events responses per queue. Queues
// listed in expire return BAD_EVENT_QUEUE_ID once their batches run dry;
// others keep serving empty batches. The first failRegisters registration
// attempts fail with a server error.
type fakeEventServer struct {
	mu            sync.Mutex
	registers     int
	failRegisters int
	batches       map[string][][]Event // queueID -> successive get_events batches
	expire        map[string]bool
	calls         map[string]int
}

func (f *fakeEventServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.URL.Path {
		case "/api/v1/register":
			f.registers++
			if f.registers <= f.failRegisters {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{
					"result": "error", "msg": "Internal server error",
				})
				return
			}
			queueID := fmt.Sprintf("q%d", f.registers)
			json.NewEncoder(w).Encode(map[string]any{
				"result": "success", "msg": "", "queue_id": queueID, "last_event_id": -1,
			})
		case "/api/v1/events":
			queueID := r.URL.Query().Get("queue_id")
			batches := f.batches[queueID]
			call := f.calls[queueID]
			f.calls[queueID]++
			if call >= len(batches) {
				if f.expire[queueID] {
					w.WriteHeader(http.StatusBadRequest)
					json.NewEncoder(w).Encode(map[string]any{
						"result": "error", "msg": "Bad event queue id", "code": "BAD_EVENT_QUEUE_ID",
					})
					return
				}
				json.NewEncoder(w).Encode(map[string]any{
					"result": "success", "msg": "", "events": []Event{},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"result": "success", "msg": "", "events": batches[call],
			})
		default:
			http.NotFound(w, r)
		}
	}
}

func TestPoller_QueueExpiryReregistersWithoutLoss(t *testing.T) {
	msg := func(id int64) Event {
		return Event{Type: "message", ID: id, Message: &Message{ID: id * 100, Type: "stream"}}
	}

	fake := &fakeEventServer{
		batches: map[string][][]Event{
			// First queue delivers two events, then expires.
			"q1": {{msg(1), msg(2)}},
			// Replacement queue re-delivers event 2 (dedup drops it) and
			// continues with 3.
			"q2": {{msg(2), msg(3)}},
		},
		expire: map[string]bool{"q1": true},
		calls:  map[string]int{},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "bot@x", "k", slog.Default())
	poller := NewPoller(client, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	var got []int64
	timeout := time.After(5 * time.Second)
	for len(got) < 3 {
		select {
		case evt := <-poller.Events():
			got = append(got, evt.ID)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	cancel()
	require.NoError(t, <-done)

	// All three distinct events arrive exactly once, in order.
	assert.Equal(t, []int64{1, 2, 3}, got)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.registers)
}

func TestPoller_HeartbeatsAreDropped(t *testing.T) {
	fake := &fakeEventServer{
		batches: map[string][][]Event{
			"q1": {{
				{Type: "heartbeat", ID: 1},
				{Type: "message", ID: 2, Message: &Message{ID: 200}},
			}},
		},
		expire: map[string]bool{},
		calls:  map[string]int{},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "bot@x", "k", slog.Default())
	poller := NewPoller(client, 10*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	select {
	case evt := <-poller.Events():
		assert.Equal(t, "message", evt.Type)
		assert.Equal(t, int64(2), evt.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPoller_PacesNonEmptyBatches(t *testing.T) {
	batches := make([][]Event, 100)
	for i := range batches {
		id := int64(i + 1)
		batches[i] = []Event{{Type: "message", ID: id, Message: &Message{ID: id * 100}}}
	}
	fake := &fakeEventServer{
		batches: map[string][][]Event{"q1": batches},
		expire:  map[string]bool{},
		calls:   map[string]int{},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "bot@x", "k", slog.Default())
	poller := NewPoller(client, 50*time.Millisecond, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()
	for range poller.Events() {
	}
	require.NoError(t, <-done)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	// The poll interval applies after non-empty batches too: 300ms at a
	// 50ms interval allows a handful of polls, while an unpaced loop
	// would make hundreds.
	assert.LessOrEqual(t, fake.calls["q1"], 10)
}

func TestPoller_RegisterRetriesWithinBudget(t *testing.T) {
	fake := &fakeEventServer{
		// Nine failures, success on the tenth and final attempt.
		failRegisters: maxReconnectAttempts - 1,
		batches: map[string][][]Event{
			fmt.Sprintf("q%d", maxReconnectAttempts): {
				{{Type: "message", ID: 1, Message: &Message{ID: 100}}},
			},
		},
		expire: map[string]bool{},
		calls:  map[string]int{},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "bot@x", "k", slog.Default())
	poller := NewPoller(client, 10*time.Millisecond, slog.Default())
	poller.budget = testBudget

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	select {
	case evt := <-poller.Events():
		assert.Equal(t, int64(1), evt.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	cancel()
	require.NoError(t, <-done)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, maxReconnectAttempts, fake.registers)
}

func TestPoller_RegisterBudgetExhaustionIsFatal(t *testing.T) {
	fake := &fakeEventServer{
		failRegisters: maxReconnectAttempts,
		batches:       map[string][][]Event{},
		expire:        map[string]bool{},
		calls:         map[string]int{},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "bot@x", "k", slog.Default())
	poller := NewPoller(client, 10*time.Millisecond, slog.Default())
	poller.budget = testBudget

	err := poller.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect budget exhausted")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, maxReconnectAttempts, fake.registers)
}

func TestSeenSet(t *testing.T) {
	s := newSeenSet()
	assert.False(t, s.CheckAndMark(1))
	assert.True(t, s.CheckAndMark(1))
	assert.False(t, s.CheckAndMark(2))
}

func TestSeenSet_ClearsAtCap(t *testing.T) {
	s := newSeenSet()
	for i := int64(0); i < seenSetCap; i++ {
		s.CheckAndMark(i)
	}
	assert.Equal(t, seenSetCap, s.Len())

	// The insert past the cap drops the whole set first.
	assert.False(t, s.CheckAndMark(seenSetCap))
	assert.Equal(t, 1, s.Len())

	// Old ids are forgotten; the store-level check covers them.
	assert.False(t, s.CheckAndMark(0))
}
