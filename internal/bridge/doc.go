// Package bridge wires the two sides together: Zulip event queues in,
// Matrix appservice transactions in, the mapping store between them.
//
// A Bridge owns one orgRuntime per configured Zulip organization (REST
// client + event source), the shared Matrix client and ghost manager,
// the appservice transaction server, and a sweep ticker that prunes the
// idempotency ledger and orphaned reaction rows.
//
// Relay is symmetric but not identical. Zulip messages are delivered
// into Matrix through per-user ghosts, creating rooms (and backfilling
// recent history) on first contact with a stream/topic or DM peer.
// Matrix messages go the other way as the organization's bot, so the
// Zulip side shows one author; echo suppression on both sides keeps the
// loop from feeding itself.
package bridge
