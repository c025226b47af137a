// Package config handles configuration loading for zulip-bridge.
//
// # Overview
//
// Configuration is loaded from a single YAML file with environment variable
// expansion. The package provides validation with dotted key paths and
// stable defaults for every optional key.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	zulip:
//	  organizations:
//	    - id: "acme"
//	      api_key: "${ZULIP_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Homeserver connection and listener:
//
//	bridge:
//	  homeserver_url: "http://localhost:8008"
//	  domain: "example.org"           # server_name ghosts are minted under
//	  bind_address: "127.0.0.1"
//	  port: 28464
//
// Mapping store:
//
//	database:
//	  db_type: "sqlite"               # sqlite, postgres (mysql is recognized but unimplemented)
//	  url: "/var/lib/zulip-bridge/bridge.db"
//	  max_connections: 10
//
// Appservice identity (tokens must match the generated registration):
//
//	registration:
//	  bridge_id: "zulipbridge"
//	  sender_localpart: "zulipbridge"
//	  appservice_token: "${AS_TOKEN}"
//	  homeserver_token: "${HS_TOKEN}"
//
// Zulip organizations and event transport:
//
//	zulip:
//	  puppet_prefix: "zulip_"
//	  puppet_separator: "_"
//	  member_sync: "half"             # full, half, none
//	  transport: "poll"               # poll, websocket
//	  poll_interval: "5s"
//	  max_backfill_amount: 100
//	  organizations:
//	    - id: "acme"
//	      name: "Acme"
//	      site: "https://chat.acme.com"
//	      email: "bridge-bot@acme.com"
//	      api_key: "${ZULIP_API_KEY}"
//
// Room creation policy:
//
//	room:
//	  default_visibility: "private"   # public, private
//	  room_alias_prefix: "zulip_"
//	  default_topic: "(no topic)"
//	  author_prefix: false
//
// Admission and retention limits:
//
//	limits:
//	  matrix_event_age_limit_ms: 900000   # 0 disables the age gate
//	  room_count: 0                       # cap on auto-created rooms, 0 = unlimited
//	  event_retention_days: 7
//	  sweep_interval: "24h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates required fields and reports the first failure by its full
// dotted path, e.g. "bridge.domain is required".
package config
