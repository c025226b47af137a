// Package matrix is the bridge's Matrix-side surface.
//
// Client wraps mautrix with the appservice token; AsUser clones it to
// impersonate ghost users through the user_id query parameter. Server
// receives homeserver transactions, authenticates the hs_token, and
// deduplicates transaction ids. Processor gates every inbound event
// (bridge-sender filter, age limit, processed_events check) before
// handing it to the bridge's per-type handlers. GhostManager provisions
// one puppet account per Zulip user and keeps it joined to the rooms it
// speaks in.
package matrix
