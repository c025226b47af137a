// Package zulip is the bridge's Zulip-side surface: a REST client
// authenticated as the organization's bot, and two event sources over the
// server's real-time event queue.
//
// The REST client speaks the api/v1 surface with HTTP Basic auth and
// form-encoded bodies. Every response passes through the
// {result, msg, code} envelope; API-level failures become *APIError, and
// the expired-queue code maps to the ErrQueueInvalid sentinel so event
// loops can re-register without tearing down.
//
// Event delivery defaults to long polling (Poller). Servers with a
// WebSocket endpoint can use WebSocketSource instead; a 404 on the dial
// reports ErrWebSocketUnsupported and the bridge falls back to polling.
// Both sources share the Source interface, a bounded delivery channel,
// an in-memory duplicate filter, and a reconnect budget of ten attempts
// at a constant five-second delay.
package zulip
