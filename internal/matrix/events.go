// ABOUTME: Inbound Matrix event model, admission gates, and type dispatch
// ABOUTME: Age-gated, bot/ghost-filtered, and deduplicated before any handler runs

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/zulip-bridge/internal/store"
)

// MEvent is the bridge's view of one inbound Matrix event, flattened out
// of the mautrix content structs.
type MEvent struct {
	ID        id.EventID
	Type      string
	RoomID    id.RoomID
	Sender    id.UserID
	Timestamp int64 // origin_server_ts, milliseconds

	// m.room.message fields.
	Body          string
	MsgType       string
	FormattedBody string
	Format        string
	MxcURL        string

	// Relations.
	ReplyTo          id.EventID // m.in_reply_to target
	EditTarget       id.EventID // m.replace target
	NewBody          string     // m.new_content body for edits
	NewFormattedBody string

	// m.reaction fields.
	ReactionKey    string
	ReactionTarget id.EventID

	// m.room.redaction target.
	Redacts id.EventID

	// m.room.member fields.
	Membership string
	StateKey   string

	// m.room.name / m.room.topic content.
	RoomName  string
	RoomTopic string
}

// ParseEvent flattens a raw mautrix event into an MEvent.
func ParseEvent(evt *event.Event) (*MEvent, error) {
	m := &MEvent{
		ID:        evt.ID,
		Type:      evt.Type.Type,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Timestamp: evt.Timestamp,
		StateKey:  evt.GetStateKey(),
	}

	if err := evt.Content.ParseRaw(evt.Type); err != nil && evt.Type.Type != "m.room.redaction" {
		return nil, fmt.Errorf("parsing %s content of %s: %w", evt.Type.Type, evt.ID, err)
	}

	switch evt.Type.Type {
	case "m.room.message", "m.sticker":
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok {
			return nil, fmt.Errorf("unexpected content type %T for %s", evt.Content.Parsed, evt.ID)
		}
		m.Body = content.Body
		m.MsgType = string(content.MsgType)
		m.FormattedBody = content.FormattedBody
		m.Format = string(content.Format)
		m.MxcURL = string(content.URL)
		if rel := content.RelatesTo; rel != nil {
			if rel.InReplyTo != nil {
				m.ReplyTo = rel.InReplyTo.EventID
			}
			if rel.Type == event.RelReplace {
				m.EditTarget = rel.EventID
			}
		}
		if nc := content.NewContent; nc != nil {
			m.NewBody = nc.Body
			m.NewFormattedBody = nc.FormattedBody
		}
	case "m.reaction":
		content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
		if !ok {
			return nil, fmt.Errorf("unexpected content type %T for %s", evt.Content.Parsed, evt.ID)
		}
		m.ReactionKey = content.RelatesTo.Key
		m.ReactionTarget = content.RelatesTo.EventID
	case "m.room.redaction":
		m.Redacts = evt.Redacts
		if m.Redacts == "" {
			if content, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok {
				m.Redacts = content.Redacts
			}
		}
	case "m.room.member":
		if content, ok := evt.Content.Parsed.(*event.MemberEventContent); ok {
			m.Membership = string(content.Membership)
		}
	case "m.room.name":
		if content, ok := evt.Content.Parsed.(*event.RoomNameEventContent); ok {
			m.RoomName = content.Name
		}
	case "m.room.topic":
		if content, ok := evt.Content.Parsed.(*event.TopicEventContent); ok {
			m.RoomTopic = content.Topic
		}
	}

	return m, nil
}

// Handler receives admitted Matrix events, one method per event family.
type Handler interface {
	HandleMessage(ctx context.Context, evt *MEvent) error
	HandleReaction(ctx context.Context, evt *MEvent) error
	HandleRedaction(ctx context.Context, evt *MEvent) error
	HandleMembership(ctx context.Context, evt *MEvent) error
	HandleRoomMeta(ctx context.Context, evt *MEvent) error
}

// Processor gates and dispatches inbound Matrix events. Events pass the
// sender filter, the age gate, and the idempotency check before reaching
// the handler; successfully handled events are recorded in
// processed_events before the transaction is acknowledged.
type Processor struct {
	handler     Handler
	events      store.EventStore
	botUserID   id.UserID
	ghostPrefix string // localpart prefix, e.g. "_zulip_"
	ageLimitMS  int64
	logger      *slog.Logger

	now func() time.Time
}

// NewProcessor builds a processor. ageLimitMS <= 0 disables the age gate.
func NewProcessor(handler Handler, events store.EventStore, botUserID id.UserID, ghostPrefix string, ageLimitMS int64, logger *slog.Logger) *Processor {
	return &Processor{
		handler:     handler,
		events:      events,
		botUserID:   botUserID,
		ghostPrefix: ghostPrefix,
		ageLimitMS:  ageLimitMS,
		logger:      logger.With("component", "matrix-events"),
		now:         time.Now,
	}
}

// isBridgeSender reports whether the event came from the bot or a ghost.
func (p *Processor) isBridgeSender(sender id.UserID) bool {
	if sender == p.botUserID {
		return true
	}
	return strings.HasPrefix(sender.Localpart(), p.ghostPrefix)
}

// Admit applies the sender filter and the age gate. Future-timestamped
// events are admitted; events older than the limit are dropped.
func (p *Processor) Admit(evt *MEvent) bool {
	if p.isBridgeSender(evt.Sender) {
		return false
	}
	if p.ageLimitMS <= 0 {
		return true
	}
	age := p.now().UnixMilli() - evt.Timestamp
	if age > p.ageLimitMS {
		p.logger.Info("dropping stale event",
			"event_id", evt.ID, "age_ms", age, "limit_ms", p.ageLimitMS)
		return false
	}
	return true
}

// Process runs one event through admission, dedup, and dispatch. Handler
// failures are logged and swallowed (the event is not marked processed);
// store failures propagate so the transaction can fail and be retried.
func (p *Processor) Process(ctx context.Context, evt *MEvent) error {
	if !p.Admit(evt) {
		return nil
	}

	processed, err := p.events.IsProcessed(ctx, string(evt.ID), store.SourceMatrix)
	if err != nil {
		return fmt.Errorf("checking event %s: %w", evt.ID, err)
	}
	if processed {
		p.logger.Debug("skipping already-processed event", "event_id", evt.ID)
		return nil
	}

	if err := p.dispatch(ctx, evt); err != nil {
		p.logger.Error("event handler failed",
			"event_id", evt.ID, "type", evt.Type, "error", err)
		return nil
	}

	if err := p.events.MarkProcessed(ctx, string(evt.ID), store.SourceMatrix, evt.Type); err != nil {
		return fmt.Errorf("marking event %s processed: %w", evt.ID, err)
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, evt *MEvent) error {
	switch evt.Type {
	case "m.room.message", "m.sticker":
		return p.handler.HandleMessage(ctx, evt)
	case "m.reaction":
		return p.handler.HandleReaction(ctx, evt)
	case "m.room.redaction":
		return p.handler.HandleRedaction(ctx, evt)
	case "m.room.member":
		return p.handler.HandleMembership(ctx, evt)
	case "m.room.name", "m.room.topic", "m.room.avatar":
		return p.handler.HandleRoomMeta(ctx, evt)
	case "m.room.encryption":
		p.logger.Warn("encrypted room event; encryption is not supported", "room_id", evt.RoomID)
		return nil
	default:
		p.logger.Debug("ignoring event type", "type", evt.Type, "event_id", evt.ID)
		return nil
	}
}
