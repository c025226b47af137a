// ABOUTME: WebSocket event source for Zulip servers that support it
// ABOUTME: Falls back to long polling when the server rejects the dial with 404

package zulip

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

// ErrWebSocketUnsupported is returned when the server has no WebSocket
// endpoint; the caller switches to the poll transport.
var ErrWebSocketUnsupported = errors.New("websocket not supported by server")

// WebSocketSource streams events over a WebSocket instead of long polling.
type WebSocketSource struct {
	client *Client
	logger *slog.Logger

	events  chan Event
	seen    *seenSet
	queueID string
	lastID  int64

	dialer *websocket.Dialer
	budget func() backoff.BackOff
}

// NewWebSocketSource builds a WebSocket source over the given client.
func NewWebSocketSource(client *Client, logger *slog.Logger) *WebSocketSource {
	return &WebSocketSource{
		client: client,
		logger: logger.With("component", "zulip-ws"),
		events: make(chan Event, eventChannelCap),
		seen:   newSeenSet(),
		dialer: websocket.DefaultDialer,
		budget: newBudget,
	}
}

func (w *WebSocketSource) Events() <-chan Event { return w.events }

func (w *WebSocketSource) QueueID() string { return w.queueID }

// wsURL derives the WebSocket endpoint from the organization's site URL.
func (w *WebSocketSource) wsURL() (string, error) {
	u, err := url.Parse(w.client.Site())
	if err != nil {
		return "", fmt.Errorf("parsing site URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/events/ws"
	u.RawQuery = url.Values{"queue_id": {w.queueID}}.Encode()
	return u.String(), nil
}

// Run registers an event queue and streams events until ctx is cancelled
// or the reconnect budget runs out. A 404 on the first dial returns
// ErrWebSocketUnsupported so the caller can fall back to polling.
func (w *WebSocketSource) Run(ctx context.Context) error {
	defer close(w.events)

	queue, err := w.client.RegisterEventQueue(ctx)
	if err != nil {
		return fmt.Errorf("registering event queue: %w", err)
	}
	w.queueID = queue.QueueID
	w.lastID = queue.LastEventID

	budget := w.budget()
	firstDial := true

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivered, err := w.connectAndListen(ctx, firstDial)
		if delivered {
			// A working connection refills the reconnect budget; only
			// consecutive failures count against it.
			budget = w.budget()
		}
		if err == nil {
			// Clean close from our side means shutdown.
			return nil
		}
		if errors.Is(err, ErrWebSocketUnsupported) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		firstDial = false

		delay := budget.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("zulip websocket: reconnect budget exhausted: %w", err)
		}
		w.logger.Warn("websocket connection lost, reconnecting", "error", err, "delay", delay)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

// connectAndListen dials the endpoint and pumps frames until the
// connection drops. It reports whether any frame was read, so the caller
// knows the connection actually worked before it failed.
func (w *WebSocketSource) connectAndListen(ctx context.Context, firstDial bool) (bool, error) {
	endpoint, err := w.wsURL()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	creds := base64.StdEncoding.EncodeToString([]byte(w.client.Email() + ":" + w.client.apiKey))
	header.Set("Authorization", "Basic "+creds)

	conn, resp, err := w.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if firstDial && resp != nil && resp.StatusCode == http.StatusNotFound {
			return false, fmt.Errorf("%w: %s", ErrWebSocketUnsupported, endpoint)
		}
		return false, fmt.Errorf("dialing %s: %w", endpoint, err)
	}
	defer conn.Close()
	w.logger.Info("websocket connected", "queue_id", w.queueID)

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Idle pings keep intermediaries from dropping the connection; the
	// server's pings are answered by gorilla's default handler.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	read := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return read, nil
			}
			return read, fmt.Errorf("reading frame: %w", err)
		}
		read = true
		if msgType != websocket.TextMessage {
			continue
		}

		var batch struct {
			Events []Event `json:"events"`
		}
		if err := json.Unmarshal(data, &batch); err != nil {
			w.logger.Error("undecodable websocket frame", "error", err)
			continue
		}
		for _, evt := range batch.Events {
			if evt.ID > w.lastID {
				w.lastID = evt.ID
			}
			if evt.Type == "heartbeat" {
				continue
			}
			if w.seen.CheckAndMark(evt.ID) {
				continue
			}
			select {
			case w.events <- evt:
			case <-ctx.Done():
				return read, nil
			}
		}
	}
}
