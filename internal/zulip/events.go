// ABOUTME: Long-poll event source for one Zulip organization
// ABOUTME: Re-registers expired queues and retries under a bounded reconnect budget

package zulip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// eventChannelCap bounds the poller->dispatcher channel. A slow
	// dispatcher applies backpressure to the poll loop rather than growing
	// memory.
	eventChannelCap = 128

	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
)

// Source delivers Zulip events for one organization. Both the long-poll
// and the WebSocket transports implement it.
type Source interface {
	// Events returns the channel events are delivered on. The channel is
	// closed when Run returns.
	Events() <-chan Event
	// Run blocks, feeding the channel until ctx is cancelled or the
	// reconnect budget is exhausted.
	Run(ctx context.Context) error
	// QueueID returns the current event queue id, empty before the first
	// successful registration.
	QueueID() string
}

// Poller is the default long-poll Source.
type Poller struct {
	client       *Client
	pollInterval time.Duration
	logger       *slog.Logger

	events  chan Event
	seen    *seenSet
	queueID string
	lastID  int64

	budget func() backoff.BackOff
}

// NewPoller builds a poller over the given client. pollInterval is the
// sleep between poll iterations.
func NewPoller(client *Client, pollInterval time.Duration, logger *slog.Logger) *Poller {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Poller{
		client:       client,
		pollInterval: pollInterval,
		logger:       logger.With("component", "zulip-events"),
		events:       make(chan Event, eventChannelCap),
		seen:         newSeenSet(),
		budget:       newBudget,
	}
}

func (p *Poller) Events() <-chan Event { return p.events }

func (p *Poller) QueueID() string { return p.queueID }

// newBudget builds the reconnect budget: constant delay, bounded attempts.
// A successful call resets it by building a fresh one.
func newBudget() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(reconnectDelay), maxReconnectAttempts-1)
}

// Run registers an event queue and long-polls it until ctx is cancelled.
// An invalid queue triggers immediate re-registration; other failures
// retry under the reconnect budget and exhaustion is fatal.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.events)

	budget := p.budget()

	if err := p.register(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := p.client.GetEvents(ctx, p.queueID, p.lastID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrQueueInvalid) {
				p.logger.Warn("event queue expired, re-registering", "queue_id", p.queueID)
				if err := p.register(ctx); err != nil {
					return err
				}
				continue
			}
			delay := budget.NextBackOff()
			if delay == backoff.Stop {
				return fmt.Errorf("zulip event loop: reconnect budget exhausted: %w", err)
			}
			p.logger.Warn("get_events failed, retrying", "error", err, "delay", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		budget = p.budget()

		for _, evt := range events {
			if evt.ID > p.lastID {
				p.lastID = evt.ID
			}
			if evt.Type == "heartbeat" {
				continue
			}
			if p.seen.CheckAndMark(evt.ID) {
				p.logger.Debug("dropping duplicate event", "event_id", evt.ID)
				continue
			}
			select {
			case p.events <- evt:
			case <-ctx.Done():
				return nil
			}
		}

		// The interval applies to every iteration, not just empty batches,
		// so a busy server cannot turn the loop into a hot spin.
		if !sleepCtx(ctx, p.pollInterval) {
			return nil
		}
	}
}

// register obtains a fresh event queue, retrying under the reconnect
// budget.
func (p *Poller) register(ctx context.Context) error {
	budget := p.budget()
	for {
		queue, err := p.client.RegisterEventQueue(ctx)
		if err == nil {
			p.queueID = queue.QueueID
			p.lastID = queue.LastEventID
			p.logger.Info("registered event queue",
				"queue_id", queue.QueueID, "last_event_id", queue.LastEventID)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := budget.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("registering event queue: reconnect budget exhausted: %w", err)
		}
		p.logger.Warn("queue registration failed, retrying", "error", err, "delay", delay)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// sleepCtx sleeps for d, returning false if the context was cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
